package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// TopRatedPath is the `:id` value reserved for the best rated books query.
const TopRatedPath = "bestrating"

// CreateBook godoc
// @Summary      Create a book
// @Tags         books
// @Accept       json,mpfd
// @Produce      json
// @Security     BearerAuth
// @Success      201  {object}  APIResponse
// @Failure      400,401,413,415,500  {object}  APIError
// @Router       /v1/books [post]
func (api *APIHandler) CreateBook(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	userID := GetValueFromContext(r.Context(), UserIDContextKey)
	logger := api.GetLoggerFromContext(r.Context())

	var input BookInput
	upload, err := DecodeBookRequest(w, r, api.config.Images.MaxSize, &input)
	if err != nil {
		logger.Error("failed to decode book creation request", zap.Error(err))
		api.sendError(w, r, NewServiceError(requestID, err, "failed to create the book"))
		return
	}
	defer upload.Close()

	book, err := api.bookService.Create(r.Context(), Identity{UserID: userID}, input, upload)
	if err != nil {
		logger.Error("failed to create book", zap.Error(err))
		api.sendError(w, r, NewServiceError(requestID, err, "failed to create the book"))
		return
	}
	logger.Info("success to create book", zap.String("book.id", book.ID))
	api.sendResponse(w, r, GenericResponse(requestID, http.StatusCreated, "Book created successfully.", nil, book))
}

// GetAllBooks godoc
// @Summary      List all books
// @Tags         books
// @Produce      json
// @Success      200  {object}  APIResponse
// @Failure      500  {object}  APIError
// @Router       /v1/books [get]
func (api *APIHandler) GetAllBooks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	logger := api.GetLoggerFromContext(r.Context())
	// the full scan may take longer than other calls to be written out.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(api.config.Server.LongRequestWriteTimeout)); err != nil {
		logger.Debug("http: failed to update the write deadline", zap.Error(err))
	}

	books, err := api.bookService.GetAll(r.Context())
	if err != nil {
		logger.Error("failed to get all books", zap.Error(err))
		api.sendError(w, r, NewServiceError(requestID, err, "failed to get all books"))
		return
	}
	logger.Info("success to get all books", zap.Int("books.total", len(books)))
	total := len(books)
	api.sendResponse(w, r, GenericResponse(requestID, http.StatusOK, "All books fetched successfully.", &total, books))
}

// GetOneBook godoc
// @Summary      Get a book
// @Description  The `bestrating` id returns the best rated books instead.
// @Tags         books
// @Produce      json
// @Param        id     path   string  true   "book id"
// @Param        limit  query  int     false  "number of best rated books (1..50)"
// @Success      200  {object}  APIResponse
// @Failure      400,404,500  {object}  APIError
// @Router       /v1/books/{id} [get]
func (api *APIHandler) GetOneBook(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if id == TopRatedPath {
		api.GetTopRatedBooks(w, r, ps)
		return
	}

	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	logger := api.GetLoggerFromContext(r.Context()).With(zap.String("book.id", id))
	if ok := api.idsHandler.IsValid(id, BookIDPrefix); !ok {
		logger.Error("book id provided is not valid")
		api.sendError(w, r, NewServiceError(requestID, ErrBookNotFound, ""))
		return
	}

	book, err := api.bookService.GetOne(r.Context(), id)
	if err != nil {
		logger.Error("failed to get book", zap.Error(err))
		api.sendError(w, r, NewServiceError(requestID, err, "failed to get the book"))
		return
	}
	logger.Info("success to get book")
	api.sendResponse(w, r, GenericResponse(requestID, http.StatusOK, "Book fetched successfully.", nil, book))
}

// GetTopRatedBooks serves the books with the highest average rating.
func (api *APIHandler) GetTopRatedBooks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	logger := api.GetLoggerFromContext(r.Context())
	limit := DefaultTopRatedLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxTopRatedLimit {
			err = fmt.Errorf("%w: limit must be an integer between 1 and %d", ErrInvalidPayload, MaxTopRatedLimit)
			logger.Error("invalid best rated limit", zap.String("limit", v))
			api.sendError(w, r, NewServiceError(requestID, err, ""))
			return
		}
		limit = n
	}

	books, err := api.bookService.TopRated(r.Context(), limit)
	if err != nil {
		logger.Error("failed to get best rated books", zap.Error(err))
		api.sendError(w, r, NewServiceError(requestID, err, "failed to get best rated books"))
		return
	}
	logger.Info("success to get best rated books", zap.Int("limit", limit))
	total := len(books)
	api.sendResponse(w, r, GenericResponse(requestID, http.StatusOK, "Best rated books fetched successfully.", &total, books))
}

// UpdateBook godoc
// @Summary      Update a book owned by the caller
// @Tags         books
// @Accept       json,mpfd
// @Produce      json
// @Security     BearerAuth
// @Param        id  path  string  true  "book id"
// @Success      200  {object}  APIResponse
// @Failure      400,401,403,404,413,415,500  {object}  APIError
// @Router       /v1/books/{id} [put]
func (api *APIHandler) UpdateBook(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	userID := GetValueFromContext(r.Context(), UserIDContextKey)
	id := ps.ByName("id")
	logger := api.GetLoggerFromContext(r.Context()).With(zap.String("book.id", id))

	if ok := api.idsHandler.IsValid(id, BookIDPrefix); !ok {
		logger.Error("book id provided is not valid")
		api.sendError(w, r, NewServiceError(requestID, ErrBookNotFound, ""))
		return
	}

	var patch BookPatch
	upload, err := DecodeBookRequest(w, r, api.config.Images.MaxSize, &patch)
	if err != nil {
		logger.Error("failed to decode book update request", zap.Error(err))
		api.sendError(w, r, NewServiceError(requestID, err, "failed to update the book"))
		return
	}
	defer upload.Close()

	book, err := api.bookService.Update(r.Context(), id, Identity{UserID: userID}, patch, upload)
	if err != nil {
		logger.Error("failed to update book", zap.Error(err))
		api.sendError(w, r, NewServiceError(requestID, err, "failed to update the book"))
		return
	}
	logger.Info("success to update book")
	api.sendResponse(w, r, GenericResponse(requestID, http.StatusOK, "Book updated successfully.", nil, book))
}

// DeleteOneBook godoc
// @Summary      Delete a book owned by the caller
// @Tags         books
// @Produce      json
// @Security     BearerAuth
// @Param        id  path  string  true  "book id"
// @Success      200  {object}  APIResponse
// @Failure      401,403,404,500  {object}  APIError
// @Router       /v1/books/{id} [delete]
func (api *APIHandler) DeleteOneBook(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	userID := GetValueFromContext(r.Context(), UserIDContextKey)
	id := ps.ByName("id")
	logger := api.GetLoggerFromContext(r.Context()).With(zap.String("book.id", id))

	if ok := api.idsHandler.IsValid(id, BookIDPrefix); !ok {
		logger.Error("book id provided is not valid")
		api.sendError(w, r, NewServiceError(requestID, ErrBookNotFound, ""))
		return
	}

	book, err := api.bookService.Delete(r.Context(), id, Identity{UserID: userID})
	if err != nil {
		logger.Error("failed to delete book", zap.Error(err))
		api.sendError(w, r, NewServiceError(requestID, err, "failed to delete the book"))
		return
	}
	logger.Info("success to delete book")
	api.sendResponse(w, r, GenericResponse(requestID, http.StatusOK, "Book deleted successfully.", nil, book))
}

// RateBook godoc
// @Summary      Rate a book once per user
// @Tags         books
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id  path  string  true  "book id"
// @Success      201  {object}  APIResponse
// @Failure      400,401,404,409,500  {object}  APIError
// @Router       /v1/books/{id}/rating [post]
func (api *APIHandler) RateBook(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	userID := GetValueFromContext(r.Context(), UserIDContextKey)
	id := ps.ByName("id")
	logger := api.GetLoggerFromContext(r.Context()).With(zap.String("book.id", id))

	grade, err := DecodeRatingRequest(w, r)
	if err != nil {
		logger.Error("failed to decode rating request", zap.Error(err))
		api.sendError(w, r, NewServiceError(requestID, err, "failed to rate the book"))
		return
	}

	if ok := api.idsHandler.IsValid(id, BookIDPrefix); !ok {
		logger.Error("book id provided is not valid")
		api.sendError(w, r, NewServiceError(requestID, ErrBookNotFound, ""))
		return
	}

	book, err := api.bookService.AddRating(r.Context(), id, Identity{UserID: userID}, grade)
	if err != nil {
		logger.Error("failed to rate book", zap.Int("rating.grade", grade), zap.Error(err))
		api.sendError(w, r, NewServiceError(requestID, err, "failed to rate the book"))
		return
	}
	logger.Info("success to rate book", zap.Int("rating.grade", grade), zap.Float64("book.average", book.AverageRating))
	api.sendResponse(w, r, GenericResponse(requestID, http.StatusCreated, "Book rated successfully.", nil, book))
}

func (api *APIHandler) sendError(w http.ResponseWriter, r *http.Request, errResp *APIError) {
	if err := WriteErrorResponse(r.Context(), w, errResp); err != nil {
		api.logger.Error("failed to send error response", zap.String("request.id", errResp.RequestID), zap.Error(err))
	}
}

func (api *APIHandler) sendResponse(w http.ResponseWriter, r *http.Request, resp *APIResponse) {
	if err := WriteResponse(r.Context(), w, resp); err != nil {
		api.logger.Error("failed to send response", zap.String("request.id", resp.RequestID), zap.Error(err))
	}
}
