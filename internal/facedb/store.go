// Package facedb verwaltet die Gesichtsdatenbank: ein Verzeichnis pro Identität,
// darin die Referenzbilder. Das Verzeichnislayout ist die Datenbank.
package facedb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"facegate/internal/core/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Dateiendung aller gespeicherten Referenzbilder
const referenceExt = ".jpg"

var (
	// ErrNotFound wird zurückgegeben, wenn Identität oder Referenz nicht existieren
	ErrNotFound = errors.New("not found")
	// ErrInvalidIdentity wird für unzulässige Identitäts- oder Dateinamen zurückgegeben
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrEmptyImage wird beim Registrieren leerer Bilddaten zurückgegeben
	ErrEmptyImage = errors.New("empty image data")
)

// StorageError kapselt Fehler des Dateisystems
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, path string, err error) error {
	return &StorageError{Op: op, Path: path, Err: err}
}

// ValidateIdentity prüft einen Identitätsnamen
func ValidateIdentity(name string) error {
	return validateName(name)
}

func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty name", ErrInvalidIdentity)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q must not start with '.'", ErrInvalidIdentity, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidIdentity, name)
	}
	return nil
}

// Store ist die Gesichtsdatenbank auf dem Dateisystem.
// Lesende Zugriffe arbeiten auf einem unveränderlichen Snapshot; Änderungen
// laufen unter mu und veröffentlichen danach einen neuen Snapshot.
type Store struct {
	root string
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
	load func(root string) (*Snapshot, error)
}

// Open öffnet die Datenbank unter root und legt das Verzeichnis bei Bedarf an
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, storageErr("mkdir", root, err)
	}
	s := &Store{root: root, load: Load}
	snap, err := Load(root)
	if err != nil {
		return nil, err
	}
	s.snap.Store(snap)
	log.Infof("Face database opened at %s (%d identities, %d references)",
		root, len(snap.identities), snap.Len())
	return s, nil
}

// Root liefert das Wurzelverzeichnis
func (s *Store) Root() string {
	return s.root
}

// Snapshot liefert die aktuelle Sicht auf die Datenbank ohne Sperre
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Reload liest die Datenbank neu ein, z.B. nach externen Änderungen
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked()
}

func (s *Store) rebuildLocked() error {
	snap, err := s.load(s.root)
	if err != nil {
		return err
	}
	s.snap.Store(snap)
	return nil
}

// Enroll legt ein neues Referenzbild für identity ab. Die Bytes werden
// unverändert geschrieben; Aufrufer liefern JPEG-Daten.
func (s *Store) Enroll(ctx context.Context, identity string, data []byte) (models.Reference, error) {
	if err := validateName(identity); err != nil {
		return models.Reference{}, err
	}
	if len(data) == 0 {
		return models.Reference{}, ErrEmptyImage
	}
	if err := ctx.Err(); err != nil {
		return models.Reference{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, identity)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return models.Reference{}, storageErr("mkdir", dir, err)
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	filename := id + referenceExt
	target := filepath.Join(dir, filename)

	// Temporärdatei beginnt mit '.', damit Load sie ignoriert
	tmp := filepath.Join(dir, ".tmp-"+filename)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		_ = os.Remove(tmp)
		return models.Reference{}, storageErr("write", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return models.Reference{}, storageErr("rename", target, err)
	}

	ref := models.Reference{Identity: identity, Filename: filename, Locator: target}
	if err := s.rebuildLocked(); err != nil {
		// Datei liegt bereits korrekt; Snapshot inkrementell fortschreiben
		log.WithError(err).Warn("Failed to rebuild face database after enrollment, applying incremental update")
		s.snap.Store(s.snap.Load().withReference(ref))
	}

	log.WithFields(log.Fields{
		"identity": identity,
		"filename": filename,
		"bytes":    len(data),
	}).Info("Reference enrolled")
	return ref, nil
}

// RemoveIdentity löscht eine Identität mit allen Referenzen
func (s *Store) RemoveIdentity(identity string) error {
	if err := validateName(identity); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, identity)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return fmt.Errorf("identity %q: %w", identity, ErrNotFound)
	}
	if err != nil {
		return storageErr("stat", dir, err)
	}

	// Erst atomar aus der sichtbaren Struktur entfernen, dann aufräumen
	trash := filepath.Join(s.root, ".trash-"+strings.ReplaceAll(uuid.New().String(), "-", ""))
	if err := os.Rename(dir, trash); err != nil {
		return storageErr("rename", dir, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		log.WithError(err).Warnf("Failed to remove trash directory %s", trash)
	}

	if err := s.rebuildLocked(); err != nil {
		return err
	}
	log.WithField("identity", identity).Info("Identity removed")
	return nil
}

// RemoveReference löscht ein einzelnes Referenzbild
func (s *Store) RemoveReference(identity, filename string) error {
	if err := validateName(identity); err != nil {
		return err
	}
	if err := validateName(filename); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, identity, filename)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return fmt.Errorf("reference %s/%s: %w", identity, filename, ErrNotFound)
	}
	if err != nil {
		return storageErr("stat", path, err)
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reference %s/%s: %w", identity, filename, ErrNotFound)
		}
		return storageErr("remove", path, err)
	}

	if err := s.rebuildLocked(); err != nil {
		return err
	}
	log.WithFields(log.Fields{"identity": identity, "filename": filename}).Info("Reference removed")
	return nil
}

// List gruppiert alle Referenzen nach Identität. Identitäten ohne Referenzen
// erscheinen mit leerer Liste.
func (s *Store) List(ctx context.Context) (map[string][]models.Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := s.Snapshot()
	out := make(map[string][]models.Reference, len(snap.identities))
	for _, id := range snap.identities {
		out[id] = []models.Reference{}
	}
	for _, ref := range snap.refs {
		out[ref.Identity] = append(out[ref.Identity], ref)
	}
	return out, nil
}

// ReadReference liest die Bytes eines Referenzbildes
func (s *Store) ReadReference(ref models.Reference) ([]byte, error) {
	data, err := os.ReadFile(ref.Locator)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reference %s: %w", ref.Key(), ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("read", ref.Locator, err)
	}
	return data, nil
}

// Snapshot ist eine unveränderliche Sicht auf die Datenbank
type Snapshot struct {
	refs       []models.Reference
	index      map[string]string // Key -> Locator
	identities []string
}

// References liefert die Referenzen in Aufzählungsreihenfolge.
// Der Slice darf nicht verändert werden.
func (s *Snapshot) References() []models.Reference {
	return s.refs
}

// Identities liefert alle Identitäten aufsteigend sortiert
func (s *Snapshot) Identities() []string {
	return s.identities
}

// Len liefert die Anzahl der Referenzen
func (s *Snapshot) Len() int {
	return len(s.refs)
}

// Lookup liefert den Pfad zu einem Schlüssel "<identity>_<filename>"
func (s *Snapshot) Lookup(key string) (string, bool) {
	loc, ok := s.index[key]
	return loc, ok
}

// withReference liefert eine Kopie mit ref an der sortierten Position
func (s *Snapshot) withReference(ref models.Reference) *Snapshot {
	next := &Snapshot{
		refs:       make([]models.Reference, 0, len(s.refs)+1),
		index:      make(map[string]string, len(s.index)+1),
		identities: make([]string, 0, len(s.identities)+1),
	}
	for k, v := range s.index {
		next.index[k] = v
	}
	next.index[ref.Key()] = ref.Locator

	i := sort.Search(len(s.refs), func(i int) bool {
		r := s.refs[i]
		if r.Identity != ref.Identity {
			return r.Identity > ref.Identity
		}
		return r.Filename >= ref.Filename
	})
	next.refs = append(next.refs, s.refs[:i]...)
	next.refs = append(next.refs, ref)
	next.refs = append(next.refs, s.refs[i:]...)

	next.identities = append(next.identities, s.identities...)
	if j := sort.SearchStrings(next.identities, ref.Identity); j == len(next.identities) || next.identities[j] != ref.Identity {
		next.identities = append(next.identities, "")
		copy(next.identities[j+1:], next.identities[j:])
		next.identities[j] = ref.Identity
	}
	return next
}

// Load scannt root zweistufig und baut einen Snapshot.
// Ein fehlendes Wurzelverzeichnis ergibt einen leeren Snapshot.
func Load(root string) (*Snapshot, error) {
	snap := &Snapshot{index: make(map[string]string)}

	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return nil, storageErr("readdir", root, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		dir := filepath.Join(root, name)
		files, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // gleichzeitig entfernt
			}
			return nil, storageErr("readdir", dir, err)
		}
		snap.identities = append(snap.identities, name)
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			ref := models.Reference{
				Identity: name,
				Filename: f.Name(),
				Locator:  filepath.Join(dir, f.Name()),
			}
			snap.refs = append(snap.refs, ref)
			snap.index[ref.Key()] = ref.Locator
		}
	}

	sort.Strings(snap.identities)
	sort.SliceStable(snap.refs, func(i, j int) bool {
		if snap.refs[i].Identity != snap.refs[j].Identity {
			return snap.refs[i].Identity < snap.refs[j].Identity
		}
		return snap.refs[i].Filename < snap.refs[j].Filename
	})
	return snap, nil
}
