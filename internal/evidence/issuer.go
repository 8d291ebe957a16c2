// Package evidence issues sanitization certificates: a JSON document, a
// human-readable rendering and a ledger row, all sharing one id.
package evidence

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"dropdrive/internal/logging"
	"dropdrive/internal/model"
	"dropdrive/internal/wipeerr"
)

// ErrEvidenceBlocked is returned when a result does not qualify for a certificate.
var ErrEvidenceBlocked = cerr.New("evidence blocked: only executed, non-simulated successful wipes are certified")

const (
	documentPrefix  = "certificate-"
	documentSuffix  = ".json"
	renderingSuffix = ".txt"
	tempSuffix      = ".tmp"

	lockFileName   = ".issuer.lock"
	lockRetryDelay = 50 * time.Millisecond
)

// RenderFunc produces the human-readable rendering of a certificate.
type RenderFunc func(Certificate) ([]byte, error)

// Issuer creates certificates. Issuance, recovery and the read APIs hold an
// exclusive lock on the certificate directory, shared by every process that
// uses it, so that a half-written issuance is never observable.
type Issuer struct {
	dir         string
	toolVersion string
	operator    string
	ledger      Ledger
	render      RenderFunc
	now         func() time.Time
	newID       func() string
	logger      *logging.EnterpriseLogger

	mu sync.Mutex
}

type Option func(*Issuer)

// WithLedger indexes certificates in l. Without a ledger only files are written.
func WithLedger(l Ledger) Option { return func(i *Issuer) { i.ledger = l } }

func WithRenderer(r RenderFunc) Option { return func(i *Issuer) { i.render = r } }

func WithClock(now func() time.Time) Option { return func(i *Issuer) { i.now = now } }

func WithIDGenerator(f func() string) Option { return func(i *Issuer) { i.newID = f } }

func WithOperator(name string) Option { return func(i *Issuer) { i.operator = name } }

func NewIssuer(dir, toolVersion string, logger *logging.EnterpriseLogger, opts ...Option) (*Issuer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}
	i := &Issuer{
		dir:         dir,
		toolVersion: toolVersion,
		operator:    currentOperator(),
		render:      Render,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      logger.Named("evidence"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue creates the certificate for a successful wipe. Either all artifacts
// exist afterwards or none do; the ledger row alone is best effort.
func (i *Issuer) Issue(ctx context.Context, result model.WipeResult, device model.DeviceDescriptor, label string) (model.EvidenceReceipt, error) {
	if result.Status != model.StatusSuccess || !result.Executed || result.Simulated {
		return model.EvidenceReceipt{}, cerr.Wrapf(ErrEvidenceBlocked,
			"status=%s executed=%t simulated=%t", result.Status, result.Executed, result.Simulated)
	}

	unlock, err := i.lock(ctx)
	if err != nil {
		return model.EvidenceReceipt{}, err
	}
	defer unlock()

	id := i.newID()
	docPath := i.documentPath(id)
	renderPath := i.renderingPath(id)

	doc := BuildDocument(id, result, device, label, i.operator, i.toolVersion, i.now())
	if err := writeDocument(docPath, doc); err != nil {
		return model.EvidenceReceipt{}, wipeerr.Wrap(wipeerr.KindEvidence, err, "write certificate document")
	}

	// Рендеринг строится из перечитанного документа, а не из памяти
	stored, err := VerifyDocument(docPath)
	if err != nil {
		i.discard(docPath)
		return model.EvidenceReceipt{}, wipeerr.Wrap(wipeerr.KindEvidence, err, "verify certificate document")
	}

	rendered, err := i.render(stored)
	if err == nil {
		err = writeAtomic(renderPath, rendered)
	}
	if err != nil {
		i.discard(docPath, renderPath)
		return model.EvidenceReceipt{}, wipeerr.Wrap(wipeerr.KindEvidence, err, "render certificate")
	}
	if fi, err := os.Stat(renderPath); err != nil || fi.Size() == 0 {
		i.discard(docPath, renderPath)
		return model.EvidenceReceipt{}, wipeerr.New(wipeerr.KindEvidence, "certificate rendering missing after write")
	}
	// Документ мог быть удалён в обход блокировки
	if !fileExists(docPath) {
		i.discard(renderPath)
		return model.EvidenceReceipt{}, wipeerr.New(wipeerr.KindEvidence, "certificate document missing before indexing")
	}

	receipt := model.EvidenceReceipt{ID: id, DocumentRef: docPath, RenderingRef: renderPath}
	if i.ledger != nil {
		if err := i.ledger.Insert(ctx, recordFromDocument(stored, docPath, renderPath)); err != nil {
			// Файлы уже выпущены: Recover переиндексирует их позже
			i.logger.Log("WARN", "ledger insert failed", "certificate_id", id, "error", err)
		} else {
			receipt.LedgerRef = id
		}
	}

	i.logger.Log("INFO", "certificate issued", "certificate_id", id, "operation_id", result.OperationID,
		"device", result.DevicePath, "method", result.MethodUsed)
	return receipt, nil
}

// Entry is a certificate as seen by the read APIs.
type Entry struct {
	Record  Record `json:"record"`
	Indexed bool   `json:"indexed"`
}

// List returns all complete certificates, newest first. Ledger rows are
// preferred; complete file pairs without a row are listed as not indexed.
func (i *Issuer) List(ctx context.Context) ([]Entry, error) {
	unlock, err := i.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	indexed := map[string]bool{}
	var out []Entry
	if i.ledger != nil {
		records, err := i.ledger.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			indexed[r.ID] = true
			out = append(out, Entry{Record: r, Indexed: true})
		}
	}

	ids, err := i.documentIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if indexed[id] || !fileExists(i.renderingPath(id)) {
			continue
		}
		doc, err := readDocument(i.documentPath(id))
		if err != nil {
			i.logger.Log("WARN", "unreadable certificate document", "certificate_id", id, "error", err)
			continue
		}
		out = append(out, Entry{Record: recordFromDocument(doc, i.documentPath(id), i.renderingPath(id))})
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Record.CreatedAt.After(out[b].Record.CreatedAt)
	})
	return out, nil
}

// Get returns the certificate document for id.
func (i *Issuer) Get(ctx context.Context, id string) (Certificate, error) {
	unlock, err := i.lock(ctx)
	if err != nil {
		return Certificate{}, err
	}
	defer unlock()

	path := i.documentPath(id)
	if i.ledger != nil {
		if r, err := i.ledger.Get(ctx, id); err == nil {
			path = r.JSONPath
		}
	}
	if !fileExists(path) || !fileExists(i.renderingPath(id)) {
		return Certificate{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return readDocument(path)
}

// lock takes the in-process mutex and then the directory lock file. The
// returned func releases both.
func (i *Issuer) lock(ctx context.Context) (func(), error) {
	i.mu.Lock()
	fl := flock.New(filepath.Join(i.dir, lockFileName))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err == nil && !locked {
		err = cerr.New("certificate directory is locked")
	}
	if err != nil {
		i.mu.Unlock()
		return nil, wipeerr.Wrap(wipeerr.KindEvidence, err, "lock certificate directory")
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			i.logger.Log("WARN", "failed to release certificate directory lock", "error", err)
		}
		i.mu.Unlock()
	}, nil
}

// Dir returns the certificate directory.
func (i *Issuer) Dir() string { return i.dir }

func (i *Issuer) documentPath(id string) string {
	return filepath.Join(i.dir, documentPrefix+id+documentSuffix)
}

func (i *Issuer) renderingPath(id string) string {
	return filepath.Join(i.dir, documentPrefix+id+renderingSuffix)
}

func (i *Issuer) documentIDs() ([]string, error) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, documentPrefix) || !strings.HasSuffix(name, documentSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, documentPrefix), documentSuffix))
	}
	return ids, nil
}

func (i *Issuer) discard(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			i.logger.Log("ERROR", "failed to remove partial certificate artifact", "path", p, "error", err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func currentOperator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if name := os.Getenv("USERNAME"); name != "" {
		return name
	}
	return "unknown"
}

// Verify re-checks the stored document of an issued certificate.
func (i *Issuer) Verify(ctx context.Context, id string) (Certificate, error) {
	unlock, err := i.lock(ctx)
	if err != nil {
		return Certificate{}, err
	}
	defer unlock()

	path := i.documentPath(id)
	if i.ledger != nil {
		if r, err := i.ledger.Get(ctx, id); err == nil {
			path = r.JSONPath
		}
	}

	if !fileExists(path) {
		return Certificate{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return VerifyDocument(path)
}
