package types

import (
	"encoding/xml"
	"time"
)

// Paper is one arXiv result. LocalPath is set only once the PDF is on disk.
type Paper struct {
	ArxivID       string    `json:"arxiv_id"`
	Title         string    `json:"title"`
	Authors       []string  `json:"authors"`
	PublishedDate time.Time `json:"published_date"`
	Abstract      string    `json:"abstract"`
	Categories    []string  `json:"categories,omitempty"`
	PDFURL        string    `json:"pdf_url"`
	LocalPath     string    `json:"local_path,omitempty"`
}

// HasLocalFile reports whether the paper has been downloaded
func (p Paper) HasLocalFile() bool {
	return p.LocalPath != ""
}

// ArxivFeed represents the root element of arXiv API response
type ArxivFeed struct {
	XMLName      xml.Name     `xml:"feed"`
	TotalResults int          `xml:"totalResults"`
	Entries      []ArxivEntry `xml:"entry"`
}

// ArxivEntry represents a single paper entry from arXiv API
type ArxivEntry struct {
	ID         string          `xml:"id"`
	Title      string          `xml:"title"`
	Summary    string          `xml:"summary"`
	Published  string          `xml:"published"`
	Authors    []ArxivAuthor   `xml:"author"`
	Categories []ArxivCategory `xml:"category"`
	Links      []ArxivLink     `xml:"link"`
}

// ArxivAuthor represents an author in arXiv response
type ArxivAuthor struct {
	Name string `xml:"name"`
}

// ArxivCategory represents a category in arXiv response
type ArxivCategory struct {
	Term string `xml:"term,attr"`
}

// ArxivLink represents a link in arXiv response. The PDF link carries title="pdf".
type ArxivLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}
