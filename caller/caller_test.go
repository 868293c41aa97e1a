package caller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/job"
)

func testJob() *job.Job {
	return &job.Job{
		ID:           "job-1",
		PartitionKey: "tenant-a",
		Payload:      json.RawMessage(`{"hello":"world"}`),
		Attempts:     2,
		MaxAttempts:  3,
	}
}

func TestCall_Success(t *testing.T) {
	var gotBody string
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL)
	if err := c.Call(context.Background(), testJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotBody != `{"hello":"world"}` {
		t.Errorf("body = %q", gotBody)
	}
	want := map[string]string{
		"Content-Type":       "application/json",
		HeaderIdempotencyKey: "job-1",
		HeaderJobID:          "job-1",
		HeaderPartition:      "tenant-a",
		HeaderAttempt:        "2",
	}
	for k, v := range want {
		if got := gotHeaders.Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
}

func TestCall_Non2xx(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", code)
			}))
			defer srv.Close()

			err := NewHTTP(srv.URL).Call(context.Background(), testJob())
			if !errors.Is(err, courier.ErrDownstreamCall) {
				t.Fatalf("err = %v, want ErrDownstreamCall", err)
			}
			if errors.Is(err, courier.ErrDownstreamTimeout) {
				t.Error("status failure classified as timeout")
			}
			if !strings.Contains(err.Error(), "nope") {
				t.Errorf("response body missing from error: %v", err)
			}
		})
	}
}

func TestCall_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewHTTP(srv.URL).Call(ctx, testJob())
	if !errors.Is(err, courier.ErrDownstreamTimeout) {
		t.Fatalf("err = %v, want ErrDownstreamTimeout", err)
	}
	if !errors.Is(err, courier.ErrDownstreamCall) {
		t.Fatalf("timeout must also match ErrDownstreamCall: %v", err)
	}
}

func TestCall_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTP(url).Call(context.Background(), testJob())
	if !errors.Is(err, courier.ErrDownstreamCall) {
		t.Fatalf("err = %v, want ErrDownstreamCall", err)
	}
}

func TestEndpointResolution(t *testing.T) {
	hits := map[string]int{}
	mux := http.NewServeMux()
	mux.HandleFunc("/default", func(w http.ResponseWriter, _ *http.Request) { hits["default"]++ })
	mux.HandleFunc("/special", func(w http.ResponseWriter, _ *http.Request) { hits["special"]++ })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTP(srv.URL+"/default", WithEndpoints(map[string]string{"vip": srv.URL + "/special"}))

	j := testJob()
	if err := c.Call(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	j.PartitionKey = "vip"
	if err := c.Call(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	if hits["default"] != 1 || hits["special"] != 1 {
		t.Errorf("hits = %v", hits)
	}
}

func TestCall_NoEndpoint(t *testing.T) {
	err := NewHTTP("").Call(context.Background(), testJob())
	if !errors.Is(err, courier.ErrNoEndpoint) {
		t.Fatalf("err = %v, want ErrNoEndpoint", err)
	}
}

func TestFunc(t *testing.T) {
	want := errors.New("x")
	var c Caller = Func(func(context.Context, *job.Job) error { return want })
	if err := c.Call(context.Background(), testJob()); err != want {
		t.Errorf("err = %v", err)
	}
}
