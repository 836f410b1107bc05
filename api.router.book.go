package main

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// SetupBookRoutes injects book related the api endpoints. Reading is public
// while every write requires a bearer credential.
func (api *APIHandler) SetupBookRoutes(router *httprouter.Router, m *MiddlewareMap) *httprouter.Router {
	router.RedirectTrailingSlash = true
	router.GET("/", m.public(api.Index))
	router.GET("/status", m.public(api.Status))
	router.GET("/v1/books", m.public(api.GetAllBooks))
	// `/v1/books/bestrating` is served by GetOneBook since the
	// router does not allow a static segment next to `:id`.
	router.GET("/v1/books/:id", m.public(api.GetOneBook))
	router.POST("/v1/books", m.protected(api.CreateBook))
	router.PUT("/v1/books/:id", m.protected(api.UpdateBook))
	router.DELETE("/v1/books/:id", m.protected(api.DeleteOneBook))
	router.POST("/v1/books/:id/rating", m.protected(api.RateBook))
	router.GET(strings.TrimSuffix(ImagesURLPath, "/")+"/*filepath", m.public(api.ServeImages(http.Dir(api.config.Images.Folder))))
	return router
}

// ServeImages serves the stored covers without directory listing.
func (api *APIHandler) ServeImages(root http.FileSystem) httprouter.Handle {
	fs := http.FileServer(root)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		fp := ps.ByName("filepath")
		if strings.HasSuffix(fp, "/") {
			api.NotFound().ServeHTTP(w, r)
			return
		}
		r.URL.Path = fp
		fs.ServeHTTP(w, r)
	}
}
