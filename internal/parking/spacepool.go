package parking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// compensationTimeout bounds the writes that undo a half-finished change.
const compensationTimeout = 5 * time.Second

// compensationContext keeps ctx's values but not its cancellation, so an undo
// still runs after the caller has gone away.
func compensationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
}

// SpacePool owns the FREE/OCCUPIED state of every space. A single mutex guards
// the whole table so select-and-mark is atomic across callers. Each state
// change is written through the store before memory is updated.
type SpacePool struct {
	mu     sync.Mutex
	store  SpaceStore
	spaces []*Space // sorted by number
	byID   map[string]*Space
}

func NewSpacePool(store SpaceStore) *SpacePool {
	return &SpacePool{
		store: store,
		byID:  make(map[string]*Space),
	}
}

// Load replaces the in-memory table with the store's contents.
func (p *SpacePool) Load(ctx context.Context) error {
	spaces, err := p.store.ListSpaces(ctx)
	if err != nil {
		return storageError("load spaces", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.spaces = p.spaces[:0]
	p.byID = make(map[string]*Space, len(spaces))
	for i := range spaces {
		space := spaces[i]
		p.spaces = append(p.spaces, &space)
		p.byID[space.ID] = &space
	}
	p.sortLocked()
	return nil
}

// AllocateFree marks the lowest-numbered FREE space OCCUPIED and returns a copy.
func (p *SpacePool) AllocateFree(ctx context.Context) (Space, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, space := range p.spaces {
		if space.IsOccupied() {
			continue
		}
		if err := p.store.UpdateSpaceState(ctx, space.ID, SpaceOccupied); err != nil {
			return Space{}, storageError("occupy space", err)
		}
		if err := space.Occupy(); err != nil {
			return Space{}, err
		}
		return *space, nil
	}
	return Space{}, ErrNoSpaceAvailable
}

func (p *SpacePool) Release(ctx context.Context, id string) error {
	return p.ReleaseWith(ctx, id, nil)
}

// ReleaseWith frees a space and runs commit inside the same critical section.
// If commit fails the store write is reverted and the space stays OCCUPIED.
func (p *SpacePool) ReleaseWith(ctx context.Context, id string, commit func(context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	space, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSpaceNotFound, id)
	}
	if !space.IsOccupied() {
		return fmt.Errorf("%w: %s", ErrSpaceNotOccupied, space.Number)
	}

	if err := p.store.UpdateSpaceState(ctx, id, SpaceFree); err != nil {
		return storageError("release space", err)
	}
	if commit != nil {
		if err := commit(ctx); err != nil {
			undoCtx, cancel := compensationContext(ctx)
			defer cancel()
			if revertErr := p.store.UpdateSpaceState(undoCtx, id, SpaceOccupied); revertErr != nil {
				return fmt.Errorf("%w (revert failed: %v)", err, revertErr)
			}
			return err
		}
	}
	return space.Release()
}

// AddSpace creates a FREE space. Numbers are unique.
func (p *SpacePool) AddSpace(ctx context.Context, number string) (Space, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return Space{}, ErrInvalidSpace
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, space := range p.spaces {
		if space.Number == number {
			return Space{}, fmt.Errorf("%w: %s", ErrSpaceExists, number)
		}
	}

	space := NewSpace(uuid.NewString(), number)
	if err := p.store.CreateSpace(ctx, space); err != nil {
		return Space{}, storageError("create space", err)
	}
	p.spaces = append(p.spaces, space)
	p.byID[space.ID] = space
	p.sortLocked()
	return *space, nil
}

// RemoveSpace deletes a FREE space.
func (p *SpacePool) RemoveSpace(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	space, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSpaceNotFound, id)
	}
	if space.IsOccupied() {
		return fmt.Errorf("%w: %s", ErrSpaceNotFree, space.Number)
	}

	if err := p.store.DeleteSpace(ctx, id); err != nil {
		return storageError("delete space", err)
	}
	delete(p.byID, id)
	for i, s := range p.spaces {
		if s.ID == id {
			p.spaces = append(p.spaces[:i], p.spaces[i+1:]...)
			break
		}
	}
	return nil
}

// Spaces returns a snapshot sorted by number.
func (p *SpacePool) Spaces() []Space {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Space, len(p.spaces))
	for i, space := range p.spaces {
		out[i] = *space
	}
	return out
}

func (p *SpacePool) Space(id string) (Space, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	space, ok := p.byID[id]
	if !ok {
		return Space{}, fmt.Errorf("%w: %s", ErrSpaceNotFound, id)
	}
	return *space, nil
}

func (p *SpacePool) OccupiedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.occupiedLocked()
}

func (p *SpacePool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.spaces)
}

func (p *SpacePool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.spaces) - p.occupiedLocked()
}

// OccupancyRate is occupied/total as a percentage, 0 for an empty pool.
func (p *SpacePool) OccupancyRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.spaces) == 0 {
		return 0
	}
	return float64(p.occupiedLocked()) * 100 / float64(len(p.spaces))
}

func (p *SpacePool) occupiedLocked() int {
	occupied := 0
	for _, space := range p.spaces {
		if space.IsOccupied() {
			occupied++
		}
	}
	return occupied
}

func (p *SpacePool) sortLocked() {
	sort.Slice(p.spaces, func(i, j int) bool {
		return lessNumber(p.spaces[i].Number, p.spaces[j].Number)
	})
}
