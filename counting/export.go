package counting

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/viam-modules/line-counter/tracker"
)

// File names written by ExportFiles.
const (
	SummaryFileName      = "counts.csv"
	DetectionLogFileName = "per_frame_detections.csv"
)

var (
	summaryHeader      = []string{"class", "count"}
	detectionLogHeader = []string{"frame", "x1", "y1", "x2", "y2", "conf", "class"}
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteSummaryCSV writes the counts summary with a class,count header.
func WriteSummaryCSV(w io.Writer, rows []CountRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(summaryHeader); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write([]string{row.Label, strconv.Itoa(row.Count)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteDetectionLogCSV writes the audit log, one detection per line.
func WriteDetectionLogCSV(w io.Writer, records []DetectionRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(detectionLogHeader); err != nil {
		return err
	}
	for _, r := range records {
		line := []string{
			strconv.Itoa(r.Frame),
			formatFloat(r.X1),
			formatFloat(r.Y1),
			formatFloat(r.X2),
			formatFloat(r.Y2),
			formatFloat(r.Confidence),
			r.Label,
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadDetectionLogCSV parses a log written by WriteDetectionLogCSV.
func ReadDetectionLogCSV(r io.Reader) ([]DetectionRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(detectionLogHeader)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to read detection log header")
	}
	for i, name := range detectionLogHeader {
		if header[i] != name {
			return nil, errors.Errorf("unexpected detection log column %d: got %q, want %q", i, header[i], name)
		}
	}

	var records []DetectionRecord
	for line := 2; ; line++ {
		fields, err := cr.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "unable to read detection log line %d", line)
		}
		rec, err := parseDetectionRecord(fields)
		if err != nil {
			return nil, errors.Wrapf(err, "detection log line %d", line)
		}
		records = append(records, rec)
	}
}

func parseDetectionRecord(fields []string) (DetectionRecord, error) {
	frame, err := strconv.Atoi(fields[0])
	if err != nil {
		return DetectionRecord{}, errors.Wrap(err, "bad frame")
	}
	var nums [5]float64
	for i := range nums {
		nums[i], err = strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return DetectionRecord{}, errors.Wrapf(err, "bad %s", detectionLogHeader[i+1])
		}
	}
	return DetectionRecord{
		Frame: frame,
		Detection: tracker.Detection{
			X1:         nums[0],
			Y1:         nums[1],
			X2:         nums[2],
			Y2:         nums[3],
			Confidence: nums[4],
			Label:      fields[6],
		},
	}, nil
}

// ExportFiles writes counts.csv and per_frame_detections.csv into dir,
// creating it when needed.
func ExportFiles(dir string, rows []CountRow, records []DetectionRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "unable to create export directory %v", dir)
	}
	if err := writeFile(filepath.Join(dir, SummaryFileName), func(w io.Writer) error {
		return WriteSummaryCSV(w, rows)
	}); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, DetectionLogFileName), func(w io.Writer) error {
		return WriteDetectionLogCSV(w, records)
	})
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create %v", path)
	}
	if err := write(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "unable to write %v", path)
	}
	return f.Close()
}
