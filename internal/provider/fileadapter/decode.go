package fileadapter

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// decode parses the file body into one record per row, keyed by the header
// row (CSV, XLSX) or the object fields (JSON array).
func decode(format string, body []byte) ([]map[string]string, error) {
	switch format {
	case "csv":
		return decodeCSV(body)
	case "json":
		return decodeJSON(body)
	case "xlsx":
		return decodeXLSX(body)
	default:
		return nil, eris.Errorf("fileadapter: unsupported format %q", format)
	}
}

func decodeCSV(body []byte) ([]map[string]string, error) {
	reader := csv.NewReader(strings.NewReader(string(body)))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "fileadapter: csv header")
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
	}

	var records []map[string]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "fileadapter: csv row")
		}
		records = append(records, rowToRecord(header, row))
	}
	return records, nil
}

func decodeJSON(body []byte) ([]map[string]string, error) {
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, eris.Wrap(err, "fileadapter: json array")
	}

	records := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		rec := make(map[string]string, len(row))
		for k, v := range row {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				rec[k] = s
				continue
			}
			rec[k] = strings.Trim(string(v), `"`)
		}
		records = append(records, rec)
	}
	return records, nil
}

// decodeXLSX parses the first sheet. The xlsx reader needs a file on disk,
// so the body is spilled to a temp file first.
func decodeXLSX(body []byte) ([]map[string]string, error) {
	tmp, err := os.CreateTemp("", "datafeed-*.xlsx")
	if err != nil {
		return nil, eris.Wrap(err, "fileadapter: temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return nil, eris.Wrap(err, "fileadapter: spill xlsx")
	}
	if err := tmp.Close(); err != nil {
		return nil, eris.Wrap(err, "fileadapter: close temp")
	}

	f, err := xlsx.OpenFile(tmp.Name())
	if err != nil {
		return nil, eris.Wrap(err, "fileadapter: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("fileadapter: xlsx has no sheets")
	}

	var header []string
	var records []map[string]string
	for i, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, c := range row.Cells {
			cells[j] = strings.TrimSpace(c.String())
		}
		if i == 0 {
			header = cells
			continue
		}
		records = append(records, rowToRecord(header, cells))
	}
	return records, nil
}

func rowToRecord(header, row []string) map[string]string {
	rec := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(row) {
			rec[h] = row[i]
		}
	}
	return rec
}

// unzip extracts the first regular file from a zipped drop and returns its
// body and name.
func unzip(body []byte) ([]byte, string, error) {
	tmp, err := os.CreateTemp("", "datafeed-*.zip")
	if err != nil {
		return nil, "", eris.Wrap(err, "fileadapter: temp zip")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return nil, "", eris.Wrap(err, "fileadapter: spill zip")
	}
	if err := tmp.Close(); err != nil {
		return nil, "", eris.Wrap(err, "fileadapter: close temp zip")
	}

	r, err := zip.OpenReader(tmp.Name())
	if err != nil {
		return nil, "", eris.Wrap(err, "fileadapter: open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", eris.Wrapf(err, "fileadapter: open zip entry %s", f.Name)
		}
		inner, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, "", eris.Wrapf(err, "fileadapter: read zip entry %s", f.Name)
		}
		return inner, f.Name, nil
	}
	return nil, "", eris.New("fileadapter: zip archive has no files")
}

// formatFor infers the row format from a file name extension.
func formatFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return "csv"
	case ".json":
		return "json"
	case ".xlsx":
		return "xlsx"
	default:
		return ""
	}
}
