package main

import "context"

// MutateFunc changes a loaded book in place. Returning an error aborts the write.
type MutateFunc func(book *Book) error

// CheckFunc inspects a loaded book. Returning an error aborts the operation.
type CheckFunc func(book Book) error

// BookStorage defines possible operations on book entity.
type BookStorage interface {
	Add(ctx context.Context, id string, book Book) error
	GetOne(ctx context.Context, id string) (Book, error)
	Delete(ctx context.Context, id string) error
	Update(ctx context.Context, id string, book Book) (Book, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) (Book, error)
	DeleteIf(ctx context.Context, id string, check CheckFunc) (Book, error)
	GetAll(ctx context.Context) ([]Book, error)
	GetTopRated(ctx context.Context, n int) ([]Book, error)
}
