// Package remotetest provides an in-memory remote.Client with failure injection.
package remotetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/septianibnyohan/gdrive-syncer/internal/remote"
	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
)

type node struct {
	item     remote.Item
	content  []byte
	exports  map[string][]byte
	children []string
}

type streamFailure struct {
	after int
	err   error
}

// Store is a mutable in-memory remote tree. The zero value is not usable; call New.
type Store struct {
	mu        sync.Mutex
	nodes     map[string]*node
	fetchErr  map[string]error
	listErr   map[string]error
	midStream map[string]streamFailure
	fetches   map[string]int
	exports   map[string]int
	lists     int
}

// New returns a store holding only the root container.
func New(rootID string) *Store {
	return &Store{
		nodes:     map[string]*node{rootID: {item: remote.Item{ID: rootID, Kind: models.KindFolder}}},
		fetchErr:  map[string]error{},
		listErr:   map[string]error{},
		midStream: map[string]streamFailure{},
		fetches:   map[string]int{},
		exports:   map[string]int{},
	}
}

// Checksum returns the MD5 hex digest used for file checksums.
func Checksum(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

func (s *Store) add(parentID string, n *node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.nodes[parentID]
	if !ok {
		panic(fmt.Sprintf("remotetest: unknown parent %q", parentID))
	}
	parent.children = append(parent.children, n.item.ID)
	s.nodes[n.item.ID] = n
}

// AddFolder adds a folder under parentID.
func (s *Store) AddFolder(parentID, id, name string, modified time.Time) {
	s.add(parentID, &node{item: remote.Item{ID: id, Name: name, Kind: models.KindFolder, ModifiedAt: modified, Size: -1}})
}

// AddFile adds a file whose checksum is the MD5 of content.
func (s *Store) AddFile(parentID, id, name string, content []byte, modified time.Time) {
	s.add(parentID, &node{
		item: remote.Item{
			ID: id, Name: name, Kind: models.KindFile, ModifiedAt: modified,
			Checksum: Checksum(content), Size: int64(len(content)),
		},
		content: content,
	})
}

// AddDocument adds an exportable document; exports maps target format to output.
func (s *Store) AddDocument(parentID, id, name, docType string, modified time.Time, exports map[string][]byte) {
	s.add(parentID, &node{
		item:    remote.Item{ID: id, Name: name, Kind: models.KindDocument, DocType: docType, ModifiedAt: modified, Size: -1},
		exports: exports,
	})
}

// Link adds an existing item as a child of another parent as well.
func (s *Store) Link(parentID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[parentID].children = append(s.nodes[parentID].children, id)
}

// Update replaces the content and modification time of a file.
func (s *Store) Update(id string, content []byte, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[id]
	n.content = content
	n.item.ModifiedAt = modified
	n.item.Checksum = Checksum(content)
	n.item.Size = int64(len(content))
}

// Touch moves the modification time without changing content.
func (s *Store) Touch(id string, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[id].item.ModifiedAt = modified
}

// SetChecksum overrides the checksum reported for an item.
func (s *Store) SetChecksum(id, checksum string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[id].item.Checksum = checksum
}

// Rename changes the name of an item.
func (s *Store) Rename(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[id].item.Name = name
}

// FailFetch makes Fetch and Export of id fail with err until cleared with nil.
func (s *Store) FailFetch(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fetchErr, id)
		return
	}
	s.fetchErr[id] = err
}

// FailList makes ListChildren of containerID fail with err until cleared with nil.
func (s *Store) FailList(containerID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.listErr, containerID)
		return
	}
	s.listErr[containerID] = err
}

// FailMidStream makes the content stream of id return err after n bytes.
func (s *Store) FailMidStream(id string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.midStream, id)
		return
	}
	s.midStream[id] = streamFailure{after: n, err: err}
}

// Fetches returns how many times id was fetched.
func (s *Store) Fetches(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[id]
}

// Exports returns how many times id was exported.
func (s *Store) Exports(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exports[id]
}

// Transfers returns the total number of fetches and exports.
func (s *Store) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.fetches {
		total += n
	}
	for _, n := range s.exports {
		total += n
	}
	return total
}

// Lists returns how many listings were served.
func (s *Store) Lists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

// ListChildren implements remote.Client.
func (s *Store) ListChildren(ctx context.Context, containerID string) ([]remote.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if err, ok := s.listErr[containerID]; ok {
		return nil, remote.Classify("list", containerID, err)
	}
	n, ok := s.nodes[containerID]
	if !ok || n.item.Kind != models.KindFolder {
		return nil, remote.NewError("list", containerID, remote.ErrNotFound, nil)
	}
	items := make([]remote.Item, 0, len(n.children))
	for _, id := range n.children {
		items = append(items, s.nodes[id].item)
	}
	return items, nil
}

// Fetch implements remote.Client.
func (s *Store) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[id]++
	if err, ok := s.fetchErr[id]; ok {
		return nil, remote.Classify("fetch", id, err)
	}
	n, ok := s.nodes[id]
	if !ok || n.item.Kind != models.KindFile {
		return nil, remote.NewError("fetch", id, remote.ErrNotFound, nil)
	}
	return s.stream(id, n.content), nil
}

// Export implements remote.Client.
func (s *Store) Export(ctx context.Context, id, format string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports[id]++
	if err, ok := s.fetchErr[id]; ok {
		return nil, remote.Classify("export", id, err)
	}
	n, ok := s.nodes[id]
	if !ok || n.item.Kind != models.KindDocument {
		return nil, remote.NewError("export", id, remote.ErrNotFound, nil)
	}
	out, ok := n.exports[format]
	if !ok {
		return nil, remote.NewError("export", id, remote.ErrTransport, fmt.Errorf("format %q not available", format))
	}
	return s.stream(id, out), nil
}

func (s *Store) stream(id string, content []byte) io.ReadCloser {
	data := append([]byte(nil), content...)
	if f, ok := s.midStream[id]; ok {
		return io.NopCloser(&failingReader{
			r:   bytes.NewReader(data[:min(f.after, len(data))]),
			err: remote.Classify("fetch", id, f.err),
		})
	}
	return io.NopCloser(bytes.NewReader(data))
}

type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

var _ remote.Client = (*Store)(nil)
