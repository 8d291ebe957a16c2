package evidence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropdrive/internal/logging"
	"dropdrive/internal/model"
	"dropdrive/internal/wipeerr"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func successResult() model.WipeResult {
	return model.WipeResult{
		OperationID: "op-1",
		DevicePath:  "/dev/sdb",
		Level:       model.LevelDestroy,
		Status:      model.StatusSuccess,
		Executed:    true,
		MethodUsed:  model.MethodMultiPassDestroy,
		Message:     "Destroy completed",
		Logs:        []string{"[2026-03-14T09:20:00Z] Destroy started", "[2026-03-14T09:26:50Z] Destroy completed"},
		CompletedAt: fixedNow,
	}
}

var device = model.DeviceDescriptor{
	Serial:        "WD-WCC4N1234567",
	Model:         "WDC WD10EZEX",
	BusType:       "sata",
	CapacityBytes: 1000204886016,
}

func openLedger(t *testing.T, dir string) *SQLiteLedger {
	t.Helper()
	l, err := OpenLedger(context.Background(), filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newIssuer(t *testing.T, opts ...Option) (*Issuer, string) {
	t.Helper()
	dir := t.TempDir()
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithOperator("auditor"),
	}
	i, err := NewIssuer(filepath.Join(dir, "certs"), "2.1.0", logging.NewNop(), append(base, opts...)...)
	require.NoError(t, err)
	return i, dir
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if e.Name() == lockFileName {
			continue
		}
		names = append(names, e.Name())
	}
	return names
}

func TestIssueWritesAllArtifactsWithOneID(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ledger := openLedger(t, dir)
	i, err := NewIssuer(filepath.Join(dir, "certs"), "2.1.0", logging.NewNop(),
		WithLedger(ledger), WithClock(func() time.Time { return fixedNow }), WithOperator("auditor"))
	require.NoError(t, err)

	receipt, err := i.Issue(context.Background(), successResult(), device, "rack 4 / bay 2")
	require.NoError(t, err)

	require.NotEmpty(t, receipt.ID)
	assert.Equal(t, receipt.ID, receipt.LedgerRef)
	assert.Contains(t, receipt.DocumentRef, receipt.ID)
	assert.Contains(t, receipt.RenderingRef, receipt.ID)

	doc, err := VerifyDocument(receipt.DocumentRef)
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, doc.CertificateID)
	assert.Equal(t, "Destroy", doc.NISTProfile)
	assert.Equal(t, "success", doc.PostWipeStatus)
	assert.Equal(t, "2026-03-14T09:26:53Z", doc.TimestampUTC)
	assert.Equal(t, "auditor", doc.Operator)
	assert.Equal(t, "WD-WCC4N1234567", doc.DeviceInfo.SerialNumber)
	assert.Equal(t, "1.0 TB", doc.DeviceInfo.Capacity)
	assert.Len(t, doc.Logs, 2)

	rendering, err := os.ReadFile(receipt.RenderingRef)
	require.NoError(t, err)
	assert.Contains(t, string(rendering), receipt.ID)
	assert.Contains(t, string(rendering), "rack 4 / bay 2")
	assert.Contains(t, string(rendering), "NIST SP 800-88: Destroy")

	rec, err := ledger.Get(context.Background(), receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.DocumentRef, rec.JSONPath)
	assert.Equal(t, receipt.RenderingRef, rec.RenderingPath)
	assert.Equal(t, "Destroy", rec.WipeType)
	assert.False(t, rec.Simulated)
	assert.Equal(t, int64(1000204886016), rec.DeviceSize)
}

func TestIssueBlocked(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*model.WipeResult)
	}{
		{"simulated", func(r *model.WipeResult) { r.Status = model.StatusSimulated; r.Simulated = true; r.Executed = false }},
		{"not executed", func(r *model.WipeResult) { r.Executed = false }},
		{"unsupported", func(r *model.WipeResult) { r.Status = model.StatusUnsupported }},
		{"failed", func(r *model.WipeResult) { r.Status = model.StatusFailed }},
		{"simulated flag on success", func(r *model.WipeResult) { r.Simulated = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			i, _ := newIssuer(t)
			res := successResult()
			tt.mutate(&res)

			_, err := i.Issue(context.Background(), res, device, "")
			assert.ErrorIs(t, err, ErrEvidenceBlocked)
			assert.Empty(t, listDir(t, i.Dir()))
		})
	}
}

func TestRenderFailureLeavesNothing(t *testing.T) {
	t.Parallel()
	i, _ := newIssuer(t, WithRenderer(func(Certificate) ([]byte, error) {
		return nil, errors.New("font cache unavailable")
	}))

	_, err := i.Issue(context.Background(), successResult(), device, "")
	require.Error(t, err)
	assert.True(t, wipeerr.IsEvidence(err))
	assert.Empty(t, listDir(t, i.Dir()))
}

type brokenLedger struct{ Ledger }

func (brokenLedger) Insert(context.Context, Record) error { return errors.New("database is locked") }

func TestLedgerFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	i, _ := newIssuer(t, WithLedger(brokenLedger{}))

	receipt, err := i.Issue(context.Background(), successResult(), device, "")
	require.NoError(t, err)
	assert.Empty(t, receipt.LedgerRef)
	assert.FileExists(t, receipt.DocumentRef)
	assert.FileExists(t, receipt.RenderingRef)
}

func TestListAndGet(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ledger := openLedger(t, dir)
	ids := []string{"5f0c7e4e-8f5b-4a53-9a57-6f0bd2b0c001", "5f0c7e4e-8f5b-4a53-9a57-6f0bd2b0c002"}
	n := 0
	i, err := NewIssuer(filepath.Join(dir, "certs"), "2.1.0", logging.NewNop(),
		WithLedger(ledger),
		WithIDGenerator(func() string { n++; return ids[n-1] }),
		WithClock(func() time.Time { return fixedNow.Add(time.Duration(n) * time.Minute) }))
	require.NoError(t, err)

	_, err = i.Issue(context.Background(), successResult(), device, "")
	require.NoError(t, err)
	_, err = i.Issue(context.Background(), successResult(), device, "")
	require.NoError(t, err)

	entries, err := i.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[1], entries[0].Record.ID)
	assert.True(t, entries[0].Indexed)

	doc, err := i.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], doc.CertificateID)

	_, err = i.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecover(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	certs := filepath.Join(dir, "certs")

	// first issuer has no ledger: its certificate is a complete but unindexed pair
	unindexed, err := NewIssuer(certs, "2.1.0", logging.NewNop(), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	receipt, err := unindexed.Issue(context.Background(), successResult(), device, "")
	require.NoError(t, err)

	// crash leftovers
	orphanDoc := filepath.Join(certs, "certificate-0b8f7a52-3c2e-4d8e-a1b7-8c9d0e1f2a3b.json")
	require.NoError(t, os.WriteFile(orphanDoc, []byte(`{"certificate_id":"0b8f7a52-3c2e-4d8e-a1b7-8c9d0e1f2a3b"}`), 0644))
	orphanRender := filepath.Join(certs, "certificate-1c9e8b63-4d3f-5e9f-b2c8-9d0e1f2a3b4c.txt")
	require.NoError(t, os.WriteFile(orphanRender, []byte("rendering"), 0644))
	temp := filepath.Join(certs, ".certificate-x.json.123"+tempSuffix)
	require.NoError(t, os.WriteFile(temp, []byte("{"), 0644))

	ledger := openLedger(t, dir)
	i, err := NewIssuer(certs, "2.1.0", logging.NewNop(), WithLedger(ledger))
	require.NoError(t, err)

	rep, err := i.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{temp}, rep.RemovedTemp)
	assert.ElementsMatch(t, []string{orphanDoc, orphanRender}, rep.RemovedOrphans)
	assert.Equal(t, []string{receipt.ID}, rep.Reindexed)

	has, err := ledger.Has(context.Background(), receipt.ID)
	require.NoError(t, err)
	assert.True(t, has)

	for _, name := range listDir(t, certs) {
		assert.True(t, strings.Contains(name, receipt.ID), "unexpected leftover %s", name)
	}

	// idempotent
	rep, err = i.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Reindexed)
	assert.Empty(t, rep.RemovedOrphans)
}

func TestVerifyIssuedCertificate(t *testing.T) {
	t.Parallel()
	i, _ := newIssuer(t)

	receipt, err := i.Issue(context.Background(), successResult(), device, "")
	require.NoError(t, err)

	doc, err := i.Verify(context.Background(), receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, doc.CertificateID)

	require.NoError(t, os.WriteFile(receipt.DocumentRef, []byte(`{"certificate_id":"x"}`), 0644))
	_, err = i.Verify(context.Background(), receipt.ID)
	require.Error(t, err)
	assert.True(t, wipeerr.IsEvidence(err))

	_, err = i.Verify(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverInAnotherIssuerWaitsForIssuance(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "certs")
	other, err := NewIssuer(dir, "2.1.0", logging.NewNop())
	require.NoError(t, err)

	type recovery struct {
		rep RecoveryReport
		err error
	}
	recovered := make(chan recovery, 1)
	i, err := NewIssuer(dir, "2.1.0", logging.NewNop(),
		WithClock(func() time.Time { return fixedNow }),
		WithRenderer(func(c Certificate) ([]byte, error) {
			// Документ уже записан, рендеринга ещё нет
			go func() {
				rep, err := other.Recover(context.Background())
				recovered <- recovery{rep, err}
			}()
			select {
			case r := <-recovered:
				recovered <- r
				t.Error("recovery ran while a certificate was being issued")
			case <-time.After(200 * time.Millisecond):
			}
			return Render(c)
		}))
	require.NoError(t, err)

	receipt, err := i.Issue(context.Background(), successResult(), device, "")
	require.NoError(t, err)

	var r recovery
	select {
	case r = <-recovered:
	case <-time.After(5 * time.Second):
		t.Fatal("recovery never acquired the directory lock")
	}
	require.NoError(t, r.err)
	assert.Empty(t, r.rep.RemovedOrphans)
	assert.FileExists(t, receipt.DocumentRef)
	assert.FileExists(t, receipt.RenderingRef)
}

func TestIssueFailsWhenDocumentDisappears(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ledger := openLedger(t, dir)
	certs := filepath.Join(dir, "certs")
	i, err := NewIssuer(certs, "2.1.0", logging.NewNop(),
		WithLedger(ledger),
		WithRenderer(func(c Certificate) ([]byte, error) {
			if err := os.Remove(filepath.Join(certs, documentPrefix+c.CertificateID+documentSuffix)); err != nil {
				return nil, err
			}
			return Render(c)
		}))
	require.NoError(t, err)

	receipt, err := i.Issue(context.Background(), successResult(), device, "")
	require.Error(t, err)
	assert.True(t, wipeerr.IsEvidence(err))
	assert.Empty(t, receipt.ID)
	assert.Empty(t, listDir(t, certs))

	records, err := ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReadsFailWhenLockIsHeld(t *testing.T) {
	t.Parallel()
	i, _ := newIssuer(t)

	held := flock.New(filepath.Join(i.Dir(), lockFileName))
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = i.List(ctx)
	require.Error(t, err)
	assert.True(t, wipeerr.IsEvidence(err))
}
