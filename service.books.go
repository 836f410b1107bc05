package main

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	DefaultTopRatedLimit = 3
	MaxTopRatedLimit     = 50
)

var _ BookServiceProvider = (*BookService)(nil)

// BookServiceProvider holds the book and rating rules.
type BookServiceProvider interface {
	Create(ctx context.Context, identity Identity, input BookInput, upload *Upload) (Book, error)
	GetOne(ctx context.Context, id string) (Book, error)
	GetAll(ctx context.Context) ([]Book, error)
	TopRated(ctx context.Context, n int) ([]Book, error)
	Update(ctx context.Context, id string, identity Identity, patch BookPatch, upload *Upload) (Book, error)
	Delete(ctx context.Context, id string, identity Identity) (Book, error)
	AddRating(ctx context.Context, id string, identity Identity, grade int) (Book, error)
}

// AssetScheduler accepts covers to delete once nothing references them.
type AssetScheduler interface {
	Schedule(imageURL string)
}

type BookService struct {
	logger   *zap.Logger
	config   *Config
	clock    Clocker
	uid      UIDHandler
	storage  BookStorage
	queue    Queuer
	images   ImageIngester
	janitor  AssetScheduler
	metrics  *Metrics
	validate *validator.Validate
}

func NewBookService(
	logger *zap.Logger,
	config *Config,
	clock Clocker,
	uid UIDHandler,
	storage BookStorage,
	queue Queuer,
	images ImageIngester,
	janitor AssetScheduler,
	metrics *Metrics,
) *BookService {
	v := validator.New()
	// report json field names in validation messages.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &BookService{
		logger:   logger,
		config:   config,
		clock:    clock,
		uid:      uid,
		storage:  storage,
		queue:    queue,
		images:   images,
		janitor:  janitor,
		metrics:  metrics,
		validate: v,
	}
}

// Create stores a new book owned by the caller. When an upload is provided it
// is ingested first and removed again if the book could not be saved.
func (bs *BookService) Create(ctx context.Context, identity Identity, input BookInput, upload *Upload) (Book, error) {
	if err := bs.validatePayload(input); err != nil {
		return Book{}, err
	}

	asset, err := bs.ingest(ctx, upload)
	if err != nil {
		return Book{}, err
	}

	now := FormatTime(bs.clock.Now())
	book := Book{
		ID:        bs.uid.Generate(BookIDPrefix),
		OwnerID:   identity.UserID,
		Title:     input.Title,
		Author:    input.Author,
		Year:      input.Year,
		Genre:     input.Genre,
		ImageURL:  asset.URL,
		Ratings:   []Rating{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err = bs.storage.Add(ctx, book.ID, book); err != nil {
		bs.discard(asset.URL)
		return Book{}, err
	}
	bs.metrics.BooksWritten.WithLabelValues("create").Inc()
	bs.replicate(ctx, CreateQueue, book)
	return book, nil
}

func (bs *BookService) GetOne(ctx context.Context, id string) (Book, error) {
	return bs.storage.GetOne(ctx, id)
}

func (bs *BookService) GetAll(ctx context.Context) ([]Book, error) {
	return bs.storage.GetAll(ctx)
}

// TopRated returns up to n books ordered by average rating. Out of
// range values fall back to the default or the maximum limit.
func (bs *BookService) TopRated(ctx context.Context, n int) ([]Book, error) {
	switch {
	case n <= 0:
		n = DefaultTopRatedLimit
	case n > MaxTopRatedLimit:
		n = MaxTopRatedLimit
	}
	return bs.storage.GetTopRated(ctx, n)
}

// Update merges the patch into the book of the caller. A new cover replaces the
// previous one which is only scheduled for deletion once the write committed.
func (bs *BookService) Update(ctx context.Context, id string, identity Identity, patch BookPatch, upload *Upload) (Book, error) {
	current, err := bs.storage.GetOne(ctx, id)
	if err != nil {
		return Book{}, err
	}
	if current.OwnerID != identity.UserID {
		return Book{}, ErrForbidden
	}
	if err = bs.validatePayload(patch); err != nil {
		return Book{}, err
	}

	asset, err := bs.ingest(ctx, upload)
	if err != nil {
		return Book{}, err
	}

	var previous string
	now := FormatTime(bs.clock.Now())
	book, err := bs.storage.Mutate(ctx, id, func(b *Book) error {
		if b.OwnerID != identity.UserID {
			return ErrForbidden
		}
		previous = b.ImageURL
		patch.Apply(b)
		if asset.URL != "" {
			b.ImageURL = asset.URL
		}
		b.UpdatedAt = now
		return nil
	})
	if err != nil {
		bs.discard(asset.URL)
		return Book{}, err
	}

	if asset.URL != "" && previous != "" && previous != asset.URL {
		bs.janitor.Schedule(previous)
	}
	bs.metrics.BooksWritten.WithLabelValues("update").Inc()
	bs.replicate(ctx, UpdateQueue, book)
	return book, nil
}

// Delete removes the book of the caller then schedules its cover deletion.
// Ownership is checked on the version being removed so the scheduled cover
// is always the one the deleted book referenced.
func (bs *BookService) Delete(ctx context.Context, id string, identity Identity) (Book, error) {
	book, err := bs.storage.DeleteIf(ctx, id, func(b Book) error {
		if b.OwnerID != identity.UserID {
			return ErrForbidden
		}
		return nil
	})
	if err != nil {
		return Book{}, err
	}
	bs.janitor.Schedule(book.ImageURL)
	bs.metrics.BooksWritten.WithLabelValues("delete").Inc()
	bs.replicate(ctx, DeleteQueue, Book{ID: id})
	return book, nil
}

// AddRating records the grade of the caller and refreshes the average in the
// same atomic write. A user can only rate a given book once.
func (bs *BookService) AddRating(ctx context.Context, id string, identity Identity, grade int) (Book, error) {
	if !IsValidGrade(grade) {
		bs.metrics.Ratings.WithLabelValues("invalid").Inc()
		return Book{}, ErrInvalidGrade
	}

	now := FormatTime(bs.clock.Now())
	book, err := bs.storage.Mutate(ctx, id, func(b *Book) error {
		if b.HasRated(identity.UserID) {
			return ErrAlreadyRated
		}
		b.Rate(identity.UserID, grade)
		b.UpdatedAt = now
		return nil
	})
	switch {
	case errors.Is(err, ErrAlreadyRated):
		bs.metrics.Ratings.WithLabelValues("duplicate").Inc()
		return Book{}, err
	case err != nil:
		return Book{}, err
	}
	bs.metrics.Ratings.WithLabelValues("accepted").Inc()
	bs.replicate(ctx, UpdateQueue, book)
	return book, nil
}

// ingest stores the upload if any. No upload gives an empty asset.
func (bs *BookService) ingest(ctx context.Context, upload *Upload) (Asset, error) {
	if upload == nil {
		return Asset{}, nil
	}
	asset, err := bs.images.Ingest(ctx, upload)
	bs.metrics.ImageIngests.WithLabelValues(resultLabel(err)).Inc()
	return asset, err
}

// discard removes a freshly ingested cover whose book was not saved.
func (bs *BookService) discard(imageURL string) {
	if imageURL == "" {
		return
	}
	if err := bs.images.Remove(context.Background(), imageURL); err != nil {
		bs.logger.Error("service: failed to remove unreferenced cover", zap.String("image.url", imageURL), zap.Error(err))
		bs.janitor.Schedule(imageURL)
	}
}

// replicate forwards the book snapshot to the replica. Failures never
// fail the request because the primary store already holds the change.
func (bs *BookService) replicate(ctx context.Context, qid string, book Book) {
	if bs.queue == nil {
		return
	}
	if err := bs.queue.Push(ctx, qid, book); err != nil {
		bs.logger.Error("service: failed to push book to queue", zap.String("qid", qid), zap.String("book.id", book.ID), zap.Error(err))
	}
}

func (bs *BookService) validatePayload(payload any) error {
	err := bs.validate.Struct(payload)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: invalid fields %s", ErrInvalidPayload, strings.Join(fields, ", "))
}
