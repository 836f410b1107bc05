package main

import (
	"context"
	"sync"
	"time"
)

// This file contains mocks definitions needed to perform unit tests.

type MockBookStorage struct {
	AddFunc         func(ctx context.Context, id string, book Book) error
	GetOneFunc      func(ctx context.Context, id string) (Book, error)
	DeleteFunc      func(ctx context.Context, id string) error
	UpdateFunc      func(ctx context.Context, id string, book Book) (Book, error)
	MutateFunc      func(ctx context.Context, id string, fn MutateFunc) (Book, error)
	DeleteIfFunc    func(ctx context.Context, id string, check CheckFunc) (Book, error)
	GetAllFunc      func(ctx context.Context) ([]Book, error)
	GetTopRatedFunc func(ctx context.Context, n int) ([]Book, error)
}

// Add mocks the behavior of book creation by the repository.
func (m *MockBookStorage) Add(ctx context.Context, id string, book Book) error {
	return m.AddFunc(ctx, id, book)
}

// GetOne mocks the behavior of retrieving a book by the repository.
func (m *MockBookStorage) GetOne(ctx context.Context, id string) (Book, error) {
	return m.GetOneFunc(ctx, id)
}

// Delete mocks the behavior of deleting a book by the repository.
func (m *MockBookStorage) Delete(ctx context.Context, id string) error {
	return m.DeleteFunc(ctx, id)
}

// DeleteIf mocks the behavior of a conditional deletion by the repository.
func (m *MockBookStorage) DeleteIf(ctx context.Context, id string, check CheckFunc) (Book, error) {
	return m.DeleteIfFunc(ctx, id, check)
}

// Update mocks the behavior of updating a book by the repository.
func (m *MockBookStorage) Update(ctx context.Context, id string, book Book) (Book, error) {
	return m.UpdateFunc(ctx, id, book)
}

// Mutate mocks the behavior of an atomic book change by the repository.
func (m *MockBookStorage) Mutate(ctx context.Context, id string, fn MutateFunc) (Book, error) {
	return m.MutateFunc(ctx, id, fn)
}

// GetAll mocks the behavior of retrieving all books by the repository.
func (m *MockBookStorage) GetAll(ctx context.Context) ([]Book, error) {
	return m.GetAllFunc(ctx)
}

// GetTopRated mocks the behavior of retrieving the best rated books by the repository.
func (m *MockBookStorage) GetTopRated(ctx context.Context, n int) ([]Book, error) {
	return m.GetTopRatedFunc(ctx, n)
}

// MockQueuer implements a fake Queuer.
type MockQueuer struct {
	PushFunc func(ctx context.Context, qid string, book Book) error
	PopFunc  func(ctx context.Context, qids ...string) (string, Book, error)
}

func (mq *MockQueuer) Push(ctx context.Context, qid string, book Book) error {
	return mq.PushFunc(ctx, qid, book)
}

func (mq *MockQueuer) Pop(ctx context.Context, qids ...string) (string, Book, error) {
	return mq.PopFunc(ctx, qids...)
}

// MockImageIngester implements a fake ImageIngester.
type MockImageIngester struct {
	ValidateFunc func(contentType string, size int64) error
	IngestFunc   func(ctx context.Context, upload *Upload) (Asset, error)
	RemoveFunc   func(ctx context.Context, imageURL string) error
}

func (mi *MockImageIngester) Validate(contentType string, size int64) error {
	return mi.ValidateFunc(contentType, size)
}

func (mi *MockImageIngester) Ingest(ctx context.Context, upload *Upload) (Asset, error) {
	return mi.IngestFunc(ctx, upload)
}

func (mi *MockImageIngester) Remove(ctx context.Context, imageURL string) error {
	return mi.RemoveFunc(ctx, imageURL)
}

// MockAssetScheduler records the covers scheduled for deletion.
type MockAssetScheduler struct {
	mu        sync.Mutex
	Scheduled []string
}

func (ms *MockAssetScheduler) Schedule(imageURL string) {
	if imageURL == "" {
		return
	}
	ms.mu.Lock()
	ms.Scheduled = append(ms.Scheduled, imageURL)
	ms.mu.Unlock()
}

func (ms *MockAssetScheduler) List() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.Scheduled...)
}

// MockClocker implements a fake Clocker.
type MockClocker struct {
	MockNow time.Time
}

// NewMockClocker returns a mocked instance with fixed time.
func NewMockClocker() *MockClocker {
	return &MockClocker{time.Date(2023, 0o7, 0o2, 0o0, 0o0, 0o0, 0o00000000, time.UTC)}
}

// Now returns an already defined time to be used as mock. This
// equals to `Sun, 02 Jul 2023 00:00:00 UTC` in time.RFC1123 format.
// equals to `2023-07-02T00:00:00Z` in time.RFC3339 format.
func (mck *MockClocker) Now() time.Time {
	return mck.MockNow
}

// SteppingClocker moves forward by one millisecond on each call
// so successive writes get distinct and ordered timestamps.
type SteppingClocker struct {
	mu  sync.Mutex
	now time.Time
}

func NewSteppingClocker() *SteppingClocker {
	return &SteppingClocker{now: NewMockClocker().Now()}
}

func (sc *SteppingClocker) Now() time.Time {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.now = sc.now.Add(time.Millisecond)
	return sc.now
}

// MockUIDHandler implements a fake UIDHandler.
type MockUIDHandler struct {
	MockedUID string
	Valid     bool
}

// NewMockUIDHandler returns a mocked instance with predictable id.
func NewMockUIDHandler(id string, valid bool) *MockUIDHandler {
	return &MockUIDHandler{MockedUID: id, Valid: valid}
}

// Generate constructs a predictable id to be used as mock.
func (muid *MockUIDHandler) Generate(prefix string) string {
	return prefix + ":" + muid.MockedUID
}

// IsValid mocks IsValid behavior by providing configured status.
func (muid *MockUIDHandler) IsValid(_, _ string) bool {
	return muid.Valid
}
