package geohash

import (
	"math"
	"testing"
)

func TestDistanceKm(t *testing.T) {
	// Lusaka pickup to dropoff from the VAN scenario.
	d := DistanceKm(-15.41, 28.28, -15.39, 28.32)
	if math.Abs(d-4.83) > 0.05 {
		t.Fatalf("distance = %.3f km", d)
	}
	if DistanceKm(1, 1, 1, 1) != 0 {
		t.Fatal("distance to self must be zero")
	}
}

func TestCoverIncludesCellAndNeighbors(t *testing.T) {
	cells, ok := Cover(-15.41, 28.28, 2, CellPrecision)
	if !ok {
		t.Fatal("2 km fits in a precision 5 block")
	}
	if len(cells) != 9 || cells[0] != Cell(-15.41, 28.28) {
		t.Fatalf("cells = %v", cells)
	}
	near := Cell(-15.42, 28.29)
	found := false
	for _, c := range cells {
		if c == near {
			found = true
		}
	}
	if !found {
		t.Fatalf("a point 1.5 km away (%s) must be covered by %v", near, cells)
	}

	if _, ok := Cover(-15.41, 28.28, 25, CellPrecision); ok {
		t.Fatal("25 km does not fit in a precision 5 block")
	}
	if _, ok := Cover(0, 0, 1, 0); ok {
		t.Fatal("precision 0 is invalid")
	}
}

func TestIndexWithin(t *testing.T) {
	ix := NewIndex()
	ix.Upsert("near", -15.411, 28.281)
	ix.Upsert("mid", -15.43, 28.30)
	ix.Upsert("far", -15.80, 28.90)

	hits := ix.Within(-15.41, 28.28, 5)
	if len(hits) != 2 || hits[0].ID != "near" || hits[1].ID != "mid" {
		t.Fatalf("hits = %+v", hits)
	}

	ix.Upsert("near", -15.80, 28.91)
	hits = ix.Within(-15.41, 28.28, 5)
	if len(hits) != 1 || hits[0].ID != "mid" {
		t.Fatalf("after move hits = %+v", hits)
	}

	ix.Remove("mid")
	ix.Remove("missing")
	if got := ix.Within(-15.41, 28.28, 5); len(got) != 0 {
		t.Fatalf("after remove hits = %+v", got)
	}
	if ix.Len() != 2 {
		t.Fatalf("Len = %d", ix.Len())
	}
}
