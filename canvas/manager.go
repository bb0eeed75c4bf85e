// Package canvas owns every drawing surface used to display rendered pages.
// Other packages only ever hold render.SurfaceID handles.
package canvas

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/drummonds/pdfview/render"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

const (
	DefaultMaxDimension    = 16384
	DefaultPoolSize        = 8
	DefaultMemoryThreshold = 512 << 20
)

var (
	// ErrOutOfMemory is returned by allocators that refuse a buffer
	ErrOutOfMemory = errors.New("surface allocation exceeded available memory")
	// ErrSurfaceNotFound is returned for unknown or destroyed handles
	ErrSurfaceNotFound = errors.New("surface not found")
	// ErrInactiveOwner is returned when the owning session was cancelled or replaced
	ErrInactiveOwner = errors.New("surface owner is no longer active")
)

// Config holds the surface limits
type Config struct {
	MaxDimension       int
	PoolSize           int
	MemoryThreshold    int64
	MaxConcurrentPages int
}

// DefaultConfig returns the platform defaults
func DefaultConfig() Config {
	return Config{
		MaxDimension:       DefaultMaxDimension,
		PoolSize:           DefaultPoolSize,
		MemoryThreshold:    DefaultMemoryThreshold,
		MaxConcurrentPages: render.DefaultMaxConcurrentPages,
	}
}

// Allocator creates pixel buffers. It is the drawing-surface API the manager sits on.
type Allocator interface {
	Allocate(width, height int) (*image.RGBA, error)
}

// AllocatorFunc adapts a function to Allocator
type AllocatorFunc func(width, height int) (*image.RGBA, error)

func (f AllocatorFunc) Allocate(width, height int) (*image.RGBA, error) {
	return f(width, height)
}

// HeapAllocator allocates surfaces on the Go heap
type HeapAllocator struct{}

// Allocate turns a failed huge allocation into ErrOutOfMemory instead of crashing the process
func (HeapAllocator) Allocate(width, height int) (img *image.RGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = fmt.Errorf("%w: %v", ErrOutOfMemory, r)
		}
	}()
	return image.NewRGBA(image.Rect(0, 0, width, height)), nil
}

type surface struct {
	id      render.SurfaceID
	owner   string
	img     *image.RGBA
	created time.Time
}

// Stats is a snapshot of the arena
type Stats struct {
	Live   int   `json:"live"`
	Pooled int   `json:"pooled"`
	Bytes  int64 `json:"bytes"`
}

// Manager is the sole owner of drawing surfaces
type Manager struct {
	mu          sync.Mutex
	cfg         Config
	alloc       Allocator
	nextID      render.SurfaceID
	surfaces    map[render.SurfaceID]*surface
	owners      map[string][]render.SurfaceID
	ownerLimits map[string]int
	viewers     map[string]string
	// bound maps an owner to the viewer it was switched into
	bound map[string]string
	pool        []*image.RGBA
	isActive    func(owner string) bool
}

// NewManager creates a manager. A nil allocator uses the heap.
func NewManager(cfg Config, alloc Allocator) *Manager {
	def := DefaultConfig()
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = def.MaxDimension
	}
	if cfg.PoolSize < 0 {
		cfg.PoolSize = 0
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}
	if cfg.MaxConcurrentPages <= 0 {
		cfg.MaxConcurrentPages = def.MaxConcurrentPages
	}
	if alloc == nil {
		alloc = HeapAllocator{}
	}
	return &Manager{
		cfg:         cfg,
		alloc:       alloc,
		surfaces:    make(map[render.SurfaceID]*surface),
		owners:      make(map[string][]render.SurfaceID),
		ownerLimits: make(map[string]int),
		viewers:     make(map[string]string),
		bound:       make(map[string]string),
	}
}

// SetActiveCheck installs the reentrancy guard consulted before a surface is created
func (m *Manager) SetActiveCheck(fn func(owner string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isActive = fn
}

// SetOwnerLimit overrides MaxConcurrentPages for one owner
func (m *Manager) SetOwnerLimit(owner string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		delete(m.ownerLimits, owner)
		return
	}
	m.ownerLimits[owner] = limit
	m.evictLocked(owner, limit)
}

// ClampDimensions scales width and height down so neither exceeds max, keeping the aspect ratio
func ClampDimensions(width, height, max int) (int, int) {
	if width <= max && height <= max {
		return width, height
	}
	scale := float64(max) / float64(width)
	if height > width {
		scale = float64(max) / float64(height)
	}
	w := int(float64(width) * scale)
	h := int(float64(height) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// CreateCanvas allocates a surface for owner. The surface is only returned
// once its context validated; otherwise a CANVAS_ERROR (or MEMORY_ERROR
// when the allocator ran out of memory) is reported and nothing is kept.
func (m *Manager) CreateCanvas(owner string, width, height int) (render.SurfaceID, *render.RenderError) {
	if width <= 0 || height <= 0 {
		return 0, canvasError(fmt.Sprintf("invalid surface size %dx%d", width, height), nil)
	}

	m.mu.Lock()
	if !m.usableLocked(owner) {
		m.mu.Unlock()
		return 0, canvasError("cannot create surface", ErrInactiveOwner)
	}

	w, h := ClampDimensions(width, height, m.cfg.MaxDimension)
	if w != width || h != height {
		Logger.Debug("Clamped surface dimensions", "owner", owner, "requested", fmt.Sprintf("%dx%d", width, height), "clamped", fmt.Sprintf("%dx%d", w, h))
	}

	limit := m.limitLocked(owner)
	m.evictLocked(owner, limit-1)

	img := m.takePooledLocked(w, h)
	m.mu.Unlock()

	if img == nil {
		var err error
		img, err = m.alloc.Allocate(w, h)
		if err != nil {
			if errors.Is(err, ErrOutOfMemory) {
				rerr := render.NewError(render.MemoryError, render.StageRendering, "", "surface allocation failed", err)
				rerr.Context = map[string]any{"width": w, "height": h}
				return 0, rerr
			}
			return 0, canvasError("surface allocation failed", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.usableLocked(owner) {
		m.recycleLocked(img)
		return 0, canvasError("cannot create surface", ErrInactiveOwner)
	}
	// another page of the same owner may have been created while unlocked
	m.evictLocked(owner, m.limitLocked(owner)-1)
	m.nextID++
	id := m.nextID
	m.surfaces[id] = &surface{id: id, owner: owner, img: img, created: time.Now()}
	m.owners[owner] = append(m.owners[owner], id)

	if _, rerr := m.contextLocked(id); rerr != nil {
		m.destroyLocked(id)
		return 0, rerr
	}
	return id, nil
}

// GetContext returns a validated drawing context, never panicking
func (m *Manager) GetContext(id render.SurfaceID) (*Context2D, *render.RenderError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contextLocked(id)
}

func (m *Manager) contextLocked(id render.SurfaceID) (*Context2D, *render.RenderError) {
	s, ok := m.surfaces[id]
	if !ok {
		return nil, canvasError(fmt.Sprintf("no context for surface %d", id), ErrSurfaceNotFound)
	}
	if s.img == nil || s.img.Rect.Empty() {
		return nil, canvasError(fmt.Sprintf("surface %d has no pixel buffer", id), nil)
	}
	if len(s.img.Pix) < s.img.Stride*s.img.Rect.Dy() || s.img.Stride < 4*s.img.Rect.Dx() {
		return nil, canvasError(fmt.Sprintf("surface %d pixel buffer is truncated", id), nil)
	}
	return &Context2D{id: id, img: s.img}, nil
}

// ClearCanvas resets every pixel of the surface to transparent
func (m *Manager) ClearCanvas(id render.SurfaceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.surfaces[id]
	if !ok {
		return ErrSurfaceNotFound
	}
	clear(s.img.Pix)
	return nil
}

// DestroyCanvas releases the surface, returning its buffer to the reuse pool when there is room
func (m *Manager) DestroyCanvas(id render.SurfaceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.surfaces[id]; !ok {
		return ErrSurfaceNotFound
	}
	m.destroyLocked(id)
	return nil
}

// DestroyOwner releases every surface belonging to owner and returns how many were destroyed
func (m *Manager) DestroyOwner(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.destroyOwnerLocked(owner)
	delete(m.ownerLimits, owner)
	delete(m.bound, owner)
	for viewer, o := range m.viewers {
		if o == owner {
			delete(m.viewers, viewer)
		}
	}
	return n
}

func (m *Manager) destroyOwnerLocked(owner string) int {
	ids := append([]render.SurfaceID(nil), m.owners[owner]...)
	for _, id := range ids {
		m.destroyLocked(id)
	}
	delete(m.owners, owner)
	return len(ids)
}

// SwitchDocument binds viewerID to owner. All surfaces of the viewer's
// previous owner are destroyed before this returns, and that owner cannot
// create new ones, so no surface of it can coexist with the new document.
func (m *Manager) SwitchDocument(viewerID, owner string) int {
	if viewerID == "" {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.viewers[viewerID]
	m.viewers[viewerID] = owner
	m.bound[owner] = viewerID
	if !ok || prev == owner {
		return 0
	}
	destroyed := m.destroyOwnerLocked(prev)
	delete(m.ownerLimits, prev)
	Logger.Debug("Switched viewer document", "viewer", viewerID, "previousOwner", prev, "owner", owner, "destroyed", destroyed)
	return destroyed
}

// usableLocked reports whether owner may create surfaces: it must be
// active and still be the document of the viewer it was switched into.
func (m *Manager) usableLocked(owner string) bool {
	if m.isActive != nil && !m.isActive(owner) {
		return false
	}
	if viewer, ok := m.bound[owner]; ok && m.viewers[viewer] != owner {
		return false
	}
	return true
}

// CheckMemoryPressure reports whether estimated usage has reached the threshold
func (m *Manager) CheckMemoryPressure() bool {
	return m.MemoryUsage() >= m.cfg.MemoryThreshold
}

// MemoryUsage estimates bytes held by live and pooled surfaces
func (m *Manager) MemoryUsage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

func (m *Manager) usageLocked() int64 {
	var total int64
	for _, s := range m.surfaces {
		if s.img != nil {
			total += int64(cap(s.img.Pix))
		}
	}
	for _, img := range m.pool {
		total += int64(cap(img.Pix))
	}
	return total
}

// CleanupUnusedCanvases evicts surfaces beyond keep, oldest first. An empty
// owner applies the limit to every owner. The reuse pool is dropped as well.
func (m *Manager) CleanupUnusedCanvases(owner string, keep int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep < 0 {
		keep = m.cfg.MaxConcurrentPages
	}
	evicted := 0
	if owner != "" {
		evicted = m.evictLocked(owner, keep)
	} else {
		for o := range m.owners {
			evicted += m.evictLocked(o, keep)
		}
	}
	m.pool = nil
	if evicted > 0 {
		Logger.Info("Evicted unused surfaces", "owner", owner, "evicted", evicted, "keep", keep)
	}
	return evicted
}

// LiveCount is the number of live surfaces for owner
func (m *Manager) LiveCount(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners[owner])
}

// Surfaces returns the live surfaces of owner in creation order
func (m *Manager) Surfaces(owner string) []render.SurfaceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]render.SurfaceID(nil), m.owners[owner]...)
}

// Exists reports whether id is a live surface
func (m *Manager) Exists(id render.SurfaceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.surfaces[id]
	return ok
}

// Stats returns a snapshot of the arena
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Live: len(m.surfaces), Pooled: len(m.pool), Bytes: m.usageLocked()}
}

// EncodePNG writes the surface pixels as PNG without handing out the buffer
func (m *Manager) EncodePNG(id render.SurfaceID, w io.Writer) error {
	m.mu.Lock()
	s, ok := m.surfaces[id]
	if !ok {
		m.mu.Unlock()
		return ErrSurfaceNotFound
	}
	snapshot := &image.RGBA{
		Pix:    append([]uint8(nil), s.img.Pix...),
		Stride: s.img.Stride,
		Rect:   s.img.Rect,
	}
	m.mu.Unlock()
	return png.Encode(w, snapshot)
}

func (m *Manager) limitLocked(owner string) int {
	if l, ok := m.ownerLimits[owner]; ok {
		return l
	}
	return m.cfg.MaxConcurrentPages
}

// evictLocked destroys the oldest surfaces of owner until at most keep remain
func (m *Manager) evictLocked(owner string, keep int) int {
	if keep < 0 {
		keep = 0
	}
	evicted := 0
	for len(m.owners[owner]) > keep {
		m.destroyLocked(m.owners[owner][0])
		evicted++
	}
	return evicted
}

func (m *Manager) destroyLocked(id render.SurfaceID) {
	s, ok := m.surfaces[id]
	if !ok {
		return
	}
	delete(m.surfaces, id)
	ids := m.owners[s.owner]
	for i, sid := range ids {
		if sid == id {
			m.owners[s.owner] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(m.owners[s.owner]) == 0 {
		delete(m.owners, s.owner)
	}
	m.recycleLocked(s.img)
	s.img = nil
}

func (m *Manager) recycleLocked(img *image.RGBA) {
	if img == nil || len(m.pool) >= m.cfg.PoolSize {
		return
	}
	if m.usageLocked()+int64(cap(img.Pix)) > m.cfg.MemoryThreshold {
		return
	}
	m.pool = append(m.pool, img)
}

// takePooledLocked reuses a pooled buffer that is large enough
func (m *Manager) takePooledLocked(width, height int) *image.RGBA {
	need := width * height * 4
	for i, img := range m.pool {
		if cap(img.Pix) < need {
			continue
		}
		m.pool = append(m.pool[:i], m.pool[i+1:]...)
		pix := img.Pix[:need]
		clear(pix)
		return &image.RGBA{Pix: pix, Stride: 4 * width, Rect: image.Rect(0, 0, width, height)}
	}
	return nil
}

func canvasError(message string, cause error) *render.RenderError {
	if cause != nil {
		message = fmt.Sprintf("%s: %v", message, cause)
	}
	return render.NewError(render.CanvasError, render.StageRendering, "", message, cause)
}
