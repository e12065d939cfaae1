// Package contacts loads participant e-mail addresses and survey credentials.
//
// E-mail addresses come from the study's contact spreadsheet, which keys
// participants by the short OBSID (without the study prefix). Survey links and
// passwords come from a CSV keyed by the dashed subject id ("912-00001"). The two
// are joined on the canonical subject id.
package contacts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/BTreeMap/LSQPipe/internal/models"
	"github.com/BTreeMap/LSQPipe/internal/registry"
)

// Spreadsheet and CSV column headers.
const (
	ColumnOBSID        = "OBSID"
	ColumnEmail        = "E-mail"
	ColumnSubjectID    = "obs_subject_id"
	DefaultSheet       = "Sheet1"
	DefaultStudyPrefix = "912"
)

var errMissingColumn = errors.New("missing column")

// Link is the survey URL and password for one questionnaire.
type Link struct {
	URL      string
	Password string
}

// Contact is everything needed to send a participant their questionnaires.
type Contact struct {
	SubjectID string
	Email     string
	Links     map[models.Version]Link
}

// LinkFor returns the survey link for v, if one is on file.
func (c Contact) LinkFor(v models.Version) (Link, bool) {
	l, ok := c.Links[v]
	return l, ok && l.URL != "" && l.Password != ""
}

// Directory maps canonical subject ids to contacts.
type Directory struct {
	contacts map[string]Contact
}

// NewDirectory builds a directory from already-joined contacts.
func NewDirectory(contacts ...Contact) *Directory {
	d := &Directory{contacts: make(map[string]Contact, len(contacts))}
	for _, c := range contacts {
		d.contacts[c.SubjectID] = c
	}
	return d
}

// Lookup returns the contact for id.
func (d *Directory) Lookup(id string) (Contact, bool) {
	c, ok := d.contacts[id]
	return c, ok
}

// Has reports whether id has an e-mail address and at least one survey link.
func (d *Directory) Has(id string) bool {
	c, ok := d.contacts[id]
	if !ok || c.Email == "" {
		return false
	}
	for _, v := range models.Versions {
		if _, ok := c.LinkFor(v); ok {
			return true
		}
	}
	return false
}

// Len returns the number of contacts.
func (d *Directory) Len() int {
	return len(d.contacts)
}

// Load reads the contact spreadsheet and the link CSV and joins them. Participants
// missing from either file are left out.
func Load(xlsxPath, sheet, prefix, linksPath string) (*Directory, error) {
	emails, err := LoadEmails(xlsxPath, sheet, prefix)
	if err != nil {
		return nil, err
	}
	links, err := LoadLinks(linksPath)
	if err != nil {
		return nil, err
	}

	d := &Directory{contacts: make(map[string]Contact)}
	for id, email := range emails {
		l, ok := links[id]
		if !ok {
			continue
		}
		d.contacts[id] = Contact{SubjectID: id, Email: email, Links: l}
	}
	slog.Debug("contacts.Load succeeded", "emails", len(emails), "links", len(links), "joined", d.Len())
	return d, nil
}

// LoadEmails reads e-mail addresses from the contact spreadsheet, keyed by canonical
// subject id (prefix + OBSID).
func LoadEmails(path, sheet, prefix string) (map[string]string, error) {
	if sheet == "" {
		sheet = DefaultSheet
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		slog.Error("contacts: failed to open spreadsheet", "path", path, "error", err)
		return nil, fmt.Errorf("failed to open contact spreadsheet: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		slog.Error("contacts: failed to read sheet", "path", path, "sheet", sheet, "error", err)
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	if len(rows) == 0 {
		return map[string]string{}, nil
	}

	idCol, emailCol := columnIndex(rows[0], ColumnOBSID), columnIndex(rows[0], ColumnEmail)
	if idCol < 0 || emailCol < 0 {
		return nil, &models.DataError{Source: path, Row: -1, Err: fmt.Errorf("%w: need %s and %s", errMissingColumn, ColumnOBSID, ColumnEmail)}
	}

	emails := make(map[string]string)
	for i, row := range rows[1:] {
		rawID, email := cell(row, idCol), strings.TrimSpace(cell(row, emailCol))
		if rawID == "" && email == "" {
			continue
		}
		id, err := registry.NormalizeID(prefix + rawID)
		if err != nil || rawID == "" {
			slog.Warn("contacts: dropping spreadsheet row", "error", &models.DataError{Source: path, Row: i + 1, Err: models.ErrInvalidSubjectID})
			continue
		}
		if email == "" {
			continue
		}
		emails[id] = email
	}
	return emails, nil
}

// LoadLinks reads survey links and passwords. Columns are obs_subject_id followed by
// lsq<N>_website and lsq<N>_password for each questionnaire.
func LoadLinks(path string) (map[string]map[models.Version]Link, error) {
	file, err := os.Open(path)
	if err != nil {
		slog.Error("contacts: failed to open link file", "path", path, "error", err)
		return nil, fmt.Errorf("failed to open link file: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return map[string]map[models.Version]Link{}, nil
	}
	if err != nil {
		return nil, &models.DataError{Source: path, Row: -1, Err: err}
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	idCol := columnIndex(header, ColumnSubjectID)
	if idCol < 0 {
		return nil, &models.DataError{Source: path, Row: -1, Err: fmt.Errorf("%w: %s", errMissingColumn, ColumnSubjectID)}
	}
	type cols struct{ url, password int }
	versionCols := make(map[models.Version]cols)
	for _, v := range models.Versions {
		versionCols[v] = cols{
			url:      columnIndex(header, fmt.Sprintf("lsq%d_website", int(v))),
			password: columnIndex(header, fmt.Sprintf("lsq%d_password", int(v))),
		}
	}

	links := make(map[string]map[models.Version]Link)
	for row := 1; ; row++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &models.DataError{Source: path, Row: row, Err: err}
		}
		id, err := registry.NormalizeID(cell(record, idCol))
		if err != nil {
			slog.Warn("contacts: dropping link row", "error", &models.DataError{Source: path, Row: row, Err: err})
			continue
		}
		byVersion := make(map[models.Version]Link)
		for v, c := range versionCols {
			if c.url < 0 || c.password < 0 {
				continue
			}
			l := Link{URL: strings.TrimSpace(cell(record, c.url)), Password: strings.TrimSpace(cell(record, c.password))}
			if l.URL != "" || l.Password != "" {
				byVersion[v] = l
			}
		}
		links[id] = byVersion
	}
	return links, nil
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
