package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/annotationtable/internal/annotations"
	"github.com/Lllllllleong/annotationtable/internal/gcp"
	"github.com/Lllllllleong/annotationtable/internal/models"
	"github.com/Lllllllleong/annotationtable/internal/sink"
)

type fakeRecorder struct {
	mu        sync.Mutex
	started   []*models.ExtractionRun
	statuses  []string
	details   string
	completed *models.ExtractionRun
	startErr  error
}

func (r *fakeRecorder) Start(_ context.Context, run *models.ExtractionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	cp := *run
	r.started = append(r.started, &cp)
	return nil
}

func (r *fakeRecorder) UpdateStatus(_ context.Context, _, status, errDetails string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	if errDetails != "" {
		r.details = errDetails
	}
	return nil
}

func (r *fakeRecorder) Complete(_ context.Context, run *models.ExtractionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	r.completed = &cp
	return nil
}

type fakeTrigger struct {
	payloads []any
	err      error
}

func (t *fakeTrigger) Trigger(_ context.Context, payload any) (string, error) {
	t.payloads = append(t.payloads, payload)
	if t.err != nil {
		return "", t.err
	}
	return "executions/1", nil
}

func object(name string, xmin, xmax, ymin, ymax int) string {
	return fmt.Sprintf("<object><name>%s</name><bndbox><xmin>%d</xmin><xmax>%d</xmax><ymin>%d</ymin><ymax>%d</ymax></bndbox></object>",
		name, xmin, xmax, ymin, ymax)
}

func writeAnnotations(t *testing.T, dir string, docs map[string]string) {
	t.Helper()
	for name, body := range docs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func newTestExtraction(config ExtractionConfig, rec RunRecorder, trig Trigger) *ExtractionFunction {
	f := NewExtractionWith(config, nil, rec, trig)
	f.newRunID = func() string { return "run-1" }
	f.now = func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }
	return f
}

func TestProcessBuildsTable(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	writeAnnotations(t, srcDir, map[string]string{
		"img002.xml": "<annotation>" + object("RBC", 1, 2, 3, 4) + object("Platelets", 5, 6, 7, 8) + "</annotation>",
		"img001.xml": "<annotation>" + object("WBC", 10, 50, 5, 45) + "</annotation>",
		"readme.txt": "ignored",
	})

	rec := &fakeRecorder{}
	trig := &fakeTrigger{}
	f := newTestExtraction(ExtractionConfig{Workers: 2}, rec, trig)

	res, err := f.Process(context.Background(), &models.ExtractionRequest{
		SourceURI:   srcDir,
		OutputURI:   filepath.Join(outDir, "tables", RunIDPlaceholder+".csv"),
		ExecutionID: "exec-9",
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	wantOut := filepath.Join(outDir, "tables", "run-1.csv")
	if res.RunID != "run-1" || res.OutputURI != wantOut || res.DocumentCount != 2 || res.RowCount != 3 {
		t.Errorf("response = %+v", res)
	}

	got, err := os.ReadFile(wantOut)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	want := "filename,cell_type,xmin,xmax,ymin,ymax\n" +
		"img001.jpg,WBC,10,50,5,45\n" +
		"img002.jpg,RBC,1,2,3,4\n" +
		"img002.jpg,Platelets,5,6,7,8\n"
	if string(got) != want {
		t.Errorf("output =\n%s\nwant\n%s", got, want)
	}

	if len(rec.started) != 1 || rec.started[0].Status != models.StatusListing || rec.started[0].ExecutionID != "exec-9" {
		t.Errorf("started = %+v", rec.started)
	}
	if !reflect.DeepEqual(rec.statuses, []string{models.StatusExtracting, models.StatusWriting}) {
		t.Errorf("statuses = %v", rec.statuses)
	}
	if rec.completed == nil || rec.completed.Status != models.StatusCompleted || rec.completed.RowCount != 3 {
		t.Fatalf("completed = %+v", rec.completed)
	}
	if rec.completed.ClassCounts["RBC"] != 1 || rec.completed.ClassCounts["WBC"] != 1 {
		t.Errorf("class counts = %v", rec.completed.ClassCounts)
	}

	if len(trig.payloads) != 1 {
		t.Fatalf("trigger payloads = %v", trig.payloads)
	}
	ev, ok := trig.payloads[0].(models.TableReadyEvent)
	if !ok || ev.RunID != "run-1" || ev.OutputURI != wantOut || ev.RowCount != 3 {
		t.Errorf("payload = %+v", trig.payloads[0])
	}
}

func TestProcessMalformedFailsRun(t *testing.T) {
	srcDir := t.TempDir()
	outPath := filepath.Join(t.TempDir(), "out.csv")
	writeAnnotations(t, srcDir, map[string]string{
		"a.xml": "<annotation>" + object("WBC", 1, 2, 3, 4) + "</annotation>",
		"b.xml": "<annotation><object><name>RBC</name></object></annotation>",
	})

	rec := &fakeRecorder{}
	trig := &fakeTrigger{}
	f := newTestExtraction(ExtractionConfig{SourceURI: srcDir, OutputURI: outPath}, rec, trig)

	_, err := f.Process(context.Background(), &models.ExtractionRequest{})
	if !errors.Is(err, annotations.ErrMalformedDocument) {
		t.Fatalf("err = %v, want ErrMalformedDocument", err)
	}
	if _, statErr := os.Stat(outPath); !os.IsNotExist(statErr) {
		t.Errorf("output written despite failure")
	}
	if rec.statuses[len(rec.statuses)-1] != models.StatusFailed || !strings.Contains(rec.details, "b.xml") {
		t.Errorf("statuses = %v, details = %q", rec.statuses, rec.details)
	}
	if rec.completed != nil {
		t.Errorf("run marked complete")
	}
	if len(trig.payloads) != 0 {
		t.Errorf("workflow triggered for failed run")
	}
}

func TestProcessSkipMalformed(t *testing.T) {
	srcDir := t.TempDir()
	outPath := filepath.Join(t.TempDir(), "out.csv")
	writeAnnotations(t, srcDir, map[string]string{
		"a.xml": "<annotation>" + object("WBC", 1, 2, 3, 4) + "</annotation>",
		"b.xml": "<annotation><object><name>RBC</name><bndbox><xmin>x</xmin></bndbox></object></annotation>",
		"c.xml": "<annotation>" + object("RBC", 5, 6, 7, 8) + "</annotation>",
	})

	rec := &fakeRecorder{}
	f := newTestExtraction(ExtractionConfig{SourceURI: srcDir, OutputURI: outPath, SkipMalformed: true}, rec, nil)

	res, err := f.Process(context.Background(), &models.ExtractionRequest{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.RowCount != 2 || res.DocumentCount != 2 {
		t.Errorf("response = %+v", res)
	}
	if len(rec.completed.SkippedDocuments) != 1 || filepath.Base(rec.completed.SkippedDocuments[0]) != "b.xml" {
		t.Errorf("skipped = %v", rec.completed.SkippedDocuments)
	}
}

func TestProcessEmptySource(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.csv")
	f := newTestExtraction(ExtractionConfig{SourceURI: t.TempDir(), OutputURI: outPath}, nil, nil)

	res, err := f.Process(context.Background(), &models.ExtractionRequest{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.RowCount != 0 {
		t.Errorf("RowCount = %d", res.RowCount)
	}
	got, _ := os.ReadFile(outPath)
	if string(got) != "filename,cell_type,xmin,xmax,ymin,ymax\n" {
		t.Errorf("output = %q", got)
	}
}

func TestProcessTriggerFailure(t *testing.T) {
	srcDir := t.TempDir()
	writeAnnotations(t, srcDir, map[string]string{"a.xml": "<annotation/>"})
	rec := &fakeRecorder{}
	trig := &fakeTrigger{err: errors.New("unavailable")}
	f := newTestExtraction(ExtractionConfig{SourceURI: srcDir, OutputURI: filepath.Join(t.TempDir(), "o.csv")}, rec, trig)

	_, err := f.Process(context.Background(), &models.ExtractionRequest{})
	if err == nil || !strings.Contains(err.Error(), "hand-off") {
		t.Fatalf("err = %v", err)
	}
	if rec.statuses[len(rec.statuses)-1] != models.StatusFailed {
		t.Errorf("statuses = %v", rec.statuses)
	}
}

func TestProcessWriteConflictFailsRun(t *testing.T) {
	srcDir := t.TempDir()
	writeAnnotations(t, srcDir, map[string]string{
		"a.xml": "<annotation>" + object("WBC", 1, 2, 3, 4) + "</annotation>",
	})

	rec := &fakeRecorder{}
	trig := &fakeTrigger{}
	f := newTestExtraction(ExtractionConfig{}, rec, trig)
	out := &memSink{err: fmt.Errorf("failed to upload table: %w", gcp.ErrObjectChanged)}
	f.newSink = func(uri string) (sink.Sink, error) {
		out.uri = uri
		return out, nil
	}

	res, err := f.Process(context.Background(), &models.ExtractionRequest{SourceURI: srcDir, OutputURI: "gs://out/table.csv"})
	if !errors.Is(err, gcp.ErrObjectChanged) {
		t.Fatalf("err = %v, want ErrObjectChanged", err)
	}
	if res != nil {
		t.Errorf("response = %+v, want nil", res)
	}
	if rec.completed != nil {
		t.Errorf("run recorded as completed: %+v", rec.completed)
	}
	if n := len(rec.statuses); n == 0 || rec.statuses[n-1] != models.StatusFailed {
		t.Errorf("statuses = %v, want FAILED last", rec.statuses)
	}
	if len(trig.payloads) != 0 {
		t.Errorf("workflow triggered after failed write: %v", trig.payloads)
	}
}

func TestProcessConfigErrors(t *testing.T) {
	f := newTestExtraction(ExtractionConfig{}, nil, nil)
	if _, err := f.Process(context.Background(), &models.ExtractionRequest{OutputURI: "x.csv"}); err == nil {
		t.Error("expected error without source")
	}
	if _, err := f.Process(context.Background(), &models.ExtractionRequest{SourceURI: t.TempDir()}); err == nil {
		t.Error("expected error without output")
	}

	rec := &fakeRecorder{startErr: errors.New("firestore down")}
	f = newTestExtraction(ExtractionConfig{}, rec, nil)
	if _, err := f.Process(context.Background(), &models.ExtractionRequest{SourceURI: t.TempDir(), OutputURI: "x.csv"}); err == nil {
		t.Error("expected error when run record cannot be created")
	}
}

func TestLoadExtractionConfig(t *testing.T) {
	t.Setenv("EXTRACT_WORKERS", "8")
	t.Setenv("SKIP_MALFORMED", "true")
	t.Setenv("ANNOTATION_SOURCE_URL", "gs://bccd/Annotations")
	t.Setenv("TABLE_OUTPUT_URI", "gs://tables/{runId}.csv")

	cfg, err := LoadExtractionConfig()
	if err != nil {
		t.Fatalf("LoadExtractionConfig failed: %v", err)
	}
	if cfg.Workers != 8 || !cfg.SkipMalformed || cfg.SourceURI != "gs://bccd/Annotations" || cfg.CollectionName != "extraction_runs" {
		t.Errorf("cfg = %+v", cfg)
	}

	t.Setenv("EXTRACT_WORKERS", "many")
	if _, err := LoadExtractionConfig(); err == nil {
		t.Error("expected error for non-integer EXTRACT_WORKERS")
	}
}

type memSink struct {
	uri    string
	table  *annotations.Table
	writes int
	err    error
}

func (s *memSink) Write(_ context.Context, t *annotations.Table) error {
	if s.err != nil {
		return s.err
	}
	s.table = t
	s.writes++
	return nil
}

func (s *memSink) URI() string { return s.uri }

func newTestWatcher(docs map[string]string, out *memSink) *WatcherFunction {
	return &WatcherFunction{
		config: WatcherConfig{TablesBucket: "tables", Pattern: "*.xml"},
		open: func(_ context.Context, bucket, name string) (io.ReadCloser, error) {
			body, ok := docs[bucket+"/"+name]
			if !ok {
				return nil, fmt.Errorf("%w: %s", annotations.ErrDocumentNotFound, name)
			}
			return io.NopCloser(strings.NewReader(body)), nil
		},
		newSink: func(uri string) (sink.Sink, error) {
			out.uri = uri
			return out, nil
		},
	}
}

func TestWatcherProcess(t *testing.T) {
	out := &memSink{}
	w := newTestWatcher(map[string]string{
		"raw/Annotations/BloodImage_00001.xml": "<annotation>" + object("RBC", 1, 2, 3, 4) + "</annotation>",
	}, out)

	if err := w.Process(context.Background(), models.GCSEvent{Bucket: "raw", Name: "Annotations/BloodImage_00001.xml"}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if out.uri != "gs://tables/Annotations/BloodImage_00001.csv" {
		t.Errorf("output uri = %q", out.uri)
	}
	if out.table == nil || out.table.Len() != 1 || out.table.Rows[0].Filename != "BloodImage_00001.jpg" {
		t.Errorf("table = %+v", out.table)
	}
}

func TestWatcherRewritesOnReupload(t *testing.T) {
	out := &memSink{}
	docs := map[string]string{
		"raw/img.xml": "<annotation>" + object("RBC", 1, 2, 3, 4) + "</annotation>",
	}
	w := newTestWatcher(docs, out)
	event := models.GCSEvent{Bucket: "raw", Name: "img.xml"}

	if err := w.Process(context.Background(), event); err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	docs["raw/img.xml"] = "<annotation>" + object("WBC", 5, 6, 7, 8) + "</annotation>"
	if err := w.Process(context.Background(), event); err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if out.writes != 2 || out.table.Rows[0].ClassName != "WBC" {
		t.Errorf("writes = %d, table = %+v", out.writes, out.table)
	}

	out.err = gcp.ErrObjectChanged
	if err := w.Process(context.Background(), event); !errors.Is(err, gcp.ErrObjectChanged) {
		t.Errorf("err = %v, want ErrObjectChanged", err)
	}
}

func TestWatcherIgnoresOtherObjects(t *testing.T) {
	out := &memSink{}
	w := newTestWatcher(nil, out)

	for _, name := range []string{"JPEGImages/BloodImage_00001.jpg", "Annotations/"} {
		if err := w.Process(context.Background(), models.GCSEvent{Bucket: "raw", Name: name}); err != nil {
			t.Errorf("Process(%s) failed: %v", name, err)
		}
	}
	if out.table != nil {
		t.Errorf("table written for ignored object")
	}
}

func TestWatcherMalformed(t *testing.T) {
	out := &memSink{}
	w := newTestWatcher(map[string]string{"raw/bad.xml": "<annotation><object>"}, out)

	err := w.Process(context.Background(), models.GCSEvent{Bucket: "raw", Name: "bad.xml"})
	if !errors.Is(err, annotations.ErrMalformedDocument) {
		t.Fatalf("err = %v, want ErrMalformedDocument", err)
	}
	if out.table != nil {
		t.Errorf("table written for malformed document")
	}
}

func TestTableObjectName(t *testing.T) {
	if got := TableObjectName("a/b/img.xml"); got != "a/b/img.csv" {
		t.Errorf("TableObjectName = %q", got)
	}
	if got := TableObjectName("img"); got != "img.csv" {
		t.Errorf("TableObjectName = %q", got)
	}
}
