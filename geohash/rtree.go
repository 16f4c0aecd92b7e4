package geohash

import (
	"math"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
)

const kmPerDegree = 111.32

// point wraps an indexed id to satisfy the rtreego.Spatial interface.
type point struct {
	id       string
	lat, lon float64
}

// Bounds returns a tiny rectangle around the point.
func (p *point) Bounds() rtreego.Rect {
	return rtreego.Point{p.lat, p.lon}.ToRect(0.00001)
}

// Hit is one result of a radius search.
type Hit struct {
	ID         string
	DistanceKm float64
}

// Index is an R-tree of ids by position, safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	tree   *rtreego.Rtree
	points map[string]*point
}

func NewIndex() *Index {
	return &Index{
		tree:   rtreego.NewTree(2, 25, 50),
		points: make(map[string]*point),
	}
}

// Upsert places id at the coordinates, moving it if already indexed.
func (ix *Index) Upsert(id string, lat, lon float64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.points[id]; ok {
		ix.tree.Delete(old)
	}
	p := &point{id: id, lat: lat, lon: lon}
	ix.points[id] = p
	ix.tree.Insert(p)
}

func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.points[id]; ok {
		ix.tree.Delete(old)
		delete(ix.points, id)
	}
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.points)
}

// Within returns the ids within radiusKm of the coordinates, nearest first.
func (ix *Index) Within(lat, lon, radiusKm float64) []Hit {
	dLat := radiusKm / kmPerDegree
	dLon := radiusKm / (kmPerDegree * math.Max(math.Cos(toRadians(lat)), 0.01))
	box, err := rtreego.NewRect(rtreego.Point{lat - dLat, lon - dLon}, []float64{2 * dLat, 2 * dLon})
	if err != nil {
		return nil
	}

	ix.mu.RLock()
	found := ix.tree.SearchIntersect(box)
	ix.mu.RUnlock()

	hits := make([]Hit, 0, len(found))
	for _, s := range found {
		p := s.(*point)
		if d := DistanceKm(lat, lon, p.lat, p.lon); d <= radiusKm {
			hits = append(hits, Hit{ID: p.id, DistanceKm: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm == hits[j].DistanceKm {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].DistanceKm < hits[j].DistanceKm
	})
	return hits
}
