package dataset

import (
	"encoding/json"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar day, read from TOML local dates and written as "2006-01-02".
type Date struct {
	time.Time
}

// UnmarshalTOML accepts TOML dates and date strings.
func (d *Date) UnmarshalTOML(value any) error {
	switch v := value.(type) {
	case time.Time:
		d.Time = v
	case string:
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return fmt.Errorf("parse date %q: %w", v, err)
		}
		d.Time = t
	default:
		return fmt.Errorf("unsupported date value %T", value)
	}
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

// Label is one entry of the labelling scheme, stored as a score column.
type Label struct {
	Key    string     `toml:"key" json:"key"`
	Name   string     `toml:"name" json:"name"`
	Value  int        `toml:"value" json:"value"`
	Colour [3]float64 `toml:"colour" json:"colour"`
}

// Group bundles labels (or further groups) for display.
type Group struct {
	Name      string      `toml:"name" json:"name"`
	Key       string      `toml:"key" json:"key"`
	Type      string      `toml:"type" json:"type"` // single, bool or multi
	Colour    *[3]float64 `toml:"colour" json:"colour"`
	Labels    []string    `toml:"labels" json:"labels"`
	Subgroups []string    `toml:"subgroups" json:"subgroups"`
}

// Info is the content of a dataset's info.toml.
type Info struct {
	Name         string   `toml:"name" json:"name"`
	Teaser       string   `toml:"teaser" json:"teaser"`
	Description  string   `toml:"description" json:"description,omitempty"`
	Authors      []string `toml:"authors" json:"authors"`
	Contributors []string `toml:"contributors" json:"contributors"`
	CreatedDate  Date     `toml:"created_date" json:"created_date"`
	LastUpdate   Date     `toml:"last_update" json:"last_update"`
	Figure       string   `toml:"figure" json:"figure,omitempty"`

	DBFilename       string `toml:"db_filename" json:"db_filename"`
	ArrowFilename    string `toml:"arrow_filename" json:"arrow_filename"`
	KeywordsFilename string `toml:"keywords_filename" json:"keywords_filename,omitempty"`
	SlimGeoFilename  string `toml:"slim_geo_filename" json:"slim_geo_filename,omitempty"`
	FullGeoFilename  string `toml:"full_geo_filename" json:"full_geo_filename,omitempty"`

	StartYear int `toml:"start_year" json:"start_year"`
	EndYear   int `toml:"end_year" json:"end_year"`

	Labels        map[string]Label `toml:"labels" json:"labels"`
	Groups        map[string]Group `toml:"groups" json:"groups"`
	DefaultColour string           `toml:"default_colour" json:"default_colour"`

	// Contact is kept internal.
	Contact []string `toml:"contact" json:"-"`
}

func (i *Info) validate() error {
	switch {
	case i.Name == "":
		return fmt.Errorf("name is required")
	case i.DBFilename == "":
		return fmt.Errorf("db_filename is required")
	case i.ArrowFilename == "":
		return fmt.Errorf("arrow_filename is required")
	}
	for key, group := range i.Groups {
		switch group.Type {
		case "single", "bool", "multi":
		default:
			return fmt.Errorf("group %s: unknown type %q", key, group.Type)
		}
	}
	return nil
}

func defaultInfo() Info {
	return Info{StartYear: 1990, EndYear: 2024}
}

// WebInfo is what the API reports about a dataset.
type WebInfo struct {
	Info
	Key             string   `json:"key"`
	Total           int      `json:"total"`
	Columns         []string `json:"columns"`
	LabelColumns    []string `json:"label_columns"`
	DocumentColumns []string `json:"document_columns"`
}
