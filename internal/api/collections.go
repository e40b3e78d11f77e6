package api

import (
	"net/http"

	"github.com/celerix-dev/celerix-cms/internal/entity"
	"github.com/gin-gonic/gin"
)

// collection is the part of an entity store the HTTP layer needs.
type collection[T entity.Entity, I entity.Input[T]] interface {
	All() []T
	Get(id string) (T, bool)
	Add(in I) T
	Update(id string, in I) bool
	Delete(id string) bool
}

// resource serves one collection. present shapes what leaves the process and
// prepare rewrites input before it reaches the store.
type resource[T entity.Entity, I entity.Input[T]] struct {
	store   collection[T, I]
	present func(T) any
	prepare func(*I) error
}

func newResource[T entity.Entity, I entity.Input[T]](store collection[T, I]) *resource[T, I] {
	return &resource[T, I]{
		store:   store,
		present: func(v T) any { return v },
		prepare: func(*I) error { return nil },
	}
}

// mount registers list on pub and the mutating routes on admin.
func (r *resource[T, I]) mount(pub, admin *gin.RouterGroup, path string) {
	pub.GET(path, r.list)
	admin.POST(path, r.create)
	admin.PUT(path+"/:id", r.update)
	admin.DELETE(path+"/:id", r.remove)
}

func (r *resource[T, I]) presentAll(items []T) []any {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = r.present(v)
	}
	return out
}

func (r *resource[T, I]) list(c *gin.Context) {
	c.JSON(http.StatusOK, r.presentAll(r.store.All()))
}

func (r *resource[T, I]) create(c *gin.Context) {
	var in I
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.prepare(&in); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, r.present(r.store.Add(in)))
}

func (r *resource[T, I]) update(c *gin.Context) {
	id := c.Param("id")
	var in I
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.prepare(&in); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !r.store.Update(id, in) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	updated, _ := r.store.Get(id)
	c.JSON(http.StatusOK, r.present(updated))
}

func (r *resource[T, I]) remove(c *gin.Context) {
	if !r.store.Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
