package main

import (
	"math"
)

const (
	MinGrade = 1
	MaxGrade = 5
)

// Rating is a single grade given to a book by one user.
type Rating struct {
	RaterID string `json:"raterId"`
	Grade   int    `json:"grade"`
}

// Book represents a book entity.
type Book struct {
	ID            string   `json:"id"`
	OwnerID       string   `json:"ownerId"`
	Title         string   `json:"title"`
	Author        string   `json:"author"`
	Year          int      `json:"year"`
	Genre         string   `json:"genre"`
	ImageURL      string   `json:"imageUrl"`
	Ratings       []Rating `json:"ratings"`
	AverageRating float64  `json:"averageRating"`
	CreatedAt     string   `json:"createdAt"`
	UpdatedAt     string   `json:"updatedAt"`
}

// BookInput is the caller supplied content of a book creation.
// It has no id or owner fields so both are always dropped.
// Only the title must be present, the rest is free metadata.
type BookInput struct {
	Title  string `json:"title" validate:"required"`
	Author string `json:"author"`
	Year   int    `json:"year"`
	Genre  string `json:"genre"`
}

// BookPatch holds the fields a book owner may change.
type BookPatch struct {
	Title  *string `json:"title" validate:"omitempty,min=1"`
	Author *string `json:"author" validate:"omitempty,min=1"`
	Year   *int    `json:"year" validate:"omitempty,min=1"`
	Genre  *string `json:"genre" validate:"omitempty,min=1"`
}

// Apply merges the non-nil fields of the patch into the book.
func (p BookPatch) Apply(book *Book) {
	if p.Title != nil {
		book.Title = *p.Title
	}
	if p.Author != nil {
		book.Author = *p.Author
	}
	if p.Year != nil {
		book.Year = *p.Year
	}
	if p.Genre != nil {
		book.Genre = *p.Genre
	}
}

// HasRated tells whether the user already graded the book.
func (b *Book) HasRated(userID string) bool {
	for _, r := range b.Ratings {
		if r.RaterID == userID {
			return true
		}
	}
	return false
}

// Rate appends the user grade and refreshes the average. It must
// only be called once per user, callers check HasRated before.
func (b *Book) Rate(userID string, grade int) {
	b.Ratings = append(b.Ratings, Rating{RaterID: userID, Grade: grade})
	b.AverageRating = AverageGrade(b.Ratings)
}

// IsValidGrade reports whether the grade is within the accepted range.
func IsValidGrade(grade int) bool {
	return grade >= MinGrade && grade <= MaxGrade
}

// AverageGrade returns the mean of all grades rounded to 2 decimals.
func AverageGrade(ratings []Rating) float64 {
	if len(ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Grade
	}
	mean := float64(sum) / float64(len(ratings))
	return math.Round(mean*100) / 100
}
