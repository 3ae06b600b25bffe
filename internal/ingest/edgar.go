// internal/ingest/edgar.go
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FilingDocument is one fetched filing, HTML body included.
type FilingDocument struct {
	FilingType  string
	ReportDate  string
	DocumentURL string
	HTML        string
}

// FilingSource locates and fetches a company's latest filing of a type.
type FilingSource interface {
	Fetch(ctx context.Context, cik, filingType string) (*FilingDocument, error)
}

// EDGARSource fetches filings from SEC EDGAR. The SEC requires a
// descriptive User-Agent with a contact address on every request.
type EDGARSource struct {
	userAgent  string
	httpClient *http.Client
}

// NewEDGARSource creates a source. userAgent must identify the operator,
// e.g. "filingagent/1.0 ops@example.com".
func NewEDGARSource(userAgent string) *EDGARSource {
	return &EDGARSource{
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *EDGARSource) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: status %d for %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

// submissionsResponse is the subset of EDGAR's submissions JSON we read.
type submissionsResponse struct {
	Filings struct {
		Recent struct {
			AccessionNumber []string `json:"accessionNumber"`
			Form            []string `json:"form"`
			ReportDate      []string `json:"reportDate"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

// Fetch finds the most recent filing of filingType for the CIK and
// downloads its primary document.
func (e *EDGARSource) Fetch(ctx context.Context, cik, filingType string) (*FilingDocument, error) {
	padded := fmt.Sprintf("%010s", cik)
	body, err := e.get(ctx, "https://data.sec.gov/submissions/CIK"+padded+".json")
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	var subs submissionsResponse
	if err := json.Unmarshal(body, &subs); err != nil {
		return nil, fmt.Errorf("parse submissions: %w", err)
	}

	recent := subs.Filings.Recent
	for i, form := range recent.Form {
		if form != filingType {
			continue
		}
		accession := strings.ReplaceAll(recent.AccessionNumber[i], "-", "")
		docURL := fmt.Sprintf("https://www.sec.gov/Archives/edgar/data/%s/%s/%s",
			strings.TrimLeft(cik, "0"), accession, recent.PrimaryDocument[i])

		html, err := e.get(ctx, docURL)
		if err != nil {
			return nil, fmt.Errorf("fetch filing document: %w", err)
		}
		return &FilingDocument{
			FilingType:  filingType,
			ReportDate:  recent.ReportDate[i],
			DocumentURL: docURL,
			HTML:        string(html),
		}, nil
	}
	return nil, fmt.Errorf("no %s filing found for CIK %s", filingType, cik)
}
