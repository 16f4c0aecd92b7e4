package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"transport-dispatch/models"
)

func TestAPIClientAcceptAndAdvance(t *testing.T) {
	var advancedTo string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/trips/t1/accept":
			driver, price := "D1", 42.0
			_ = json.NewEncoder(w).Encode(models.Trip{ID: "t1", TenantID: "T1", AssignedDriverID: &driver, LockedPriceZmw: &price, Status: models.StatusDriverAssigned})
		case "/trips/t1/advance":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			advancedTo = body["status"]
			_ = json.NewEncoder(w).Encode(models.Trip{ID: "t1", Status: models.TripStatus(advancedTo)})
		case "/trips/t2/accept":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"REQUEST_ALREADY_TAKEN","message":"request no longer available"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL, "tok")
	ctx := context.Background()

	trip, err := c.accept(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !trip.IsAssignedTo("D1") || *trip.LockedPriceZmw != 42 {
		t.Fatalf("trip = %+v", trip)
	}
	if _, err := c.advance(ctx, "t1", models.StatusDriverArriving); err != nil {
		t.Fatal(err)
	}
	if advancedTo != string(models.StatusDriverArriving) {
		t.Fatalf("advanced to %q", advancedTo)
	}

	_, err = c.accept(ctx, "t2")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict || apiErr.Code != "REQUEST_ALREADY_TAKEN" {
		t.Fatalf("err = %v", err)
	}
}
