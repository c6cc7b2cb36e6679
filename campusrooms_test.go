package campusrooms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ============================================================================
// REST client
// ============================================================================

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

func newAPIServer(t *testing.T, status int, response any) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
		}
		_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		reqs = append(reqs, rec)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if response != nil {
			_ = json.NewEncoder(w).Encode(response)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestClientRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("bearer token and base path", func(t *testing.T) {
		srv, reqs := newAPIServer(t, 200, []Conversation{{ID: "c1", UnreadCount: 4}})
		c := NewClient("tok", WithBaseURL(srv.URL+"/api/"))

		convs, err := c.Messages.Conversations(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(convs) != 1 || convs[0].UnreadCount != 4 {
			t.Fatalf("convs = %+v", convs)
		}
		r := (*reqs)[0]
		if r.Method != "GET" || r.Path != "/api/messages/conversations" || r.Auth != "Bearer tok" {
			t.Fatalf("request = %+v", r)
		}
	})

	t.Run("no token before login", func(t *testing.T) {
		srv, reqs := newAPIServer(t, 200, LoginResult{Token: "new", User: User{ID: "u1", Role: RoleStudent}})
		c := NewClient("", WithBaseURL(srv.URL))

		res, err := c.Auth.Login(ctx, &LoginOptions{Email: "a@b.c", Password: "pw"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Token != "new" || res.User.Role != RoleStudent {
			t.Fatalf("result = %+v", res)
		}
		r := (*reqs)[0]
		if r.Auth != "" || r.Path != "/auth/login" || r.Body["email"] != "a@b.c" {
			t.Fatalf("request = %+v", r)
		}
	})

	t.Run("room filters", func(t *testing.T) {
		srv, reqs := newAPIServer(t, 200, []Room{})
		c := NewClient("tok", WithBaseURL(srv.URL))
		avail := true
		if _, err := c.Rooms.List(ctx, &RoomFilters{City: "Lyon", MaxPrice: 450, Available: &avail}); err != nil {
			t.Fatal(err)
		}
		r := (*reqs)[0]
		if r.Path != "/chambres" || r.Query != "disponible=true&prixMax=450&ville=Lyon" {
			t.Fatalf("request = %+v", r)
		}
	})

	t.Run("reservation create", func(t *testing.T) {
		srv, reqs := newAPIServer(t, 201, Reservation{ID: "r1", Status: ReservationPending})
		c := NewClient("tok", WithBaseURL(srv.URL))
		res, err := c.Reservations.Create(ctx, "room-9")
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != ReservationPending {
			t.Fatalf("status = %s", res.Status)
		}
		if r := (*reqs)[0]; r.Method != "POST" || r.Body["chambre"] != "room-9" {
			t.Fatalf("request = %+v", r)
		}
	})

	t.Run("owner status update", func(t *testing.T) {
		srv, reqs := newAPIServer(t, 200, Reservation{ID: "r1", Status: ReservationConfirmed})
		c := NewClient("tok", WithBaseURL(srv.URL))
		if _, err := c.Reservations.UpdateStatus(ctx, "r1", ReservationConfirmed); err != nil {
			t.Fatal(err)
		}
		r := (*reqs)[0]
		if r.Method != "PUT" || r.Path != "/proprietaire/reservations/r1" || r.Body["status"] != "confirmed" {
			t.Fatalf("request = %+v", r)
		}
	})

	t.Run("notification query", func(t *testing.T) {
		srv, reqs := newAPIServer(t, 200, NotificationList{Notifications: []Notification{{ID: "n1"}}, UnreadCount: 1})
		c := NewClient("tok", WithBaseURL(srv.URL))
		list, err := c.Notifications.Mine(ctx, &NotificationQuery{UnreadOnly: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(list.Notifications) != 1 {
			t.Fatalf("list = %+v", list)
		}
		if r := (*reqs)[0]; r.Path != "/notifications/me" || r.Query != "unreadOnly=true" {
			t.Fatalf("request = %+v", r)
		}
	})
}

func TestClientErrors(t *testing.T) {
	srv, _ := newAPIServer(t, 404, map[string]string{"error": "Chambre introuvable"})
	c := NewClient("tok", WithBaseURL(srv.URL))

	_, err := c.Rooms.Get(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("IsStatus(404) false for %v", err)
	}
	if IsStatus(err, http.StatusUnauthorized) {
		t.Fatal("IsStatus(401) true")
	}
	if err.Error() != "api error: HTTP 404: Chambre introuvable" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestClientSetToken(t *testing.T) {
	srv, reqs := newAPIServer(t, 204, nil)
	c := NewClient("")
	WithBaseURL(srv.URL)(c)

	c.SetToken("later")
	if err := c.Notifications.MarkAllAsRead(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r := (*reqs)[0]; r.Auth != "Bearer later" || r.Path != "/notifications/mark-all-read" {
		t.Fatalf("request = %+v", r)
	}
}

func TestClientWithTimeout(t *testing.T) {
	shared := &http.Client{Timeout: time.Minute}

	t.Run("copies a supplied client", func(t *testing.T) {
		c := NewClient("", WithHTTPClient(shared), WithTimeout(3*time.Second))
		if shared.Timeout != time.Minute {
			t.Fatalf("shared client timeout changed to %v", shared.Timeout)
		}
		if c.httpClient == shared || c.httpClient.Timeout != 3*time.Second {
			t.Fatalf("client timeout = %v", c.httpClient.Timeout)
		}
	})

	t.Run("leaves the default client alone", func(t *testing.T) {
		before := http.DefaultClient.Timeout
		NewClient("", WithHTTPClient(http.DefaultClient), WithTimeout(time.Second))
		if http.DefaultClient.Timeout != before {
			t.Fatalf("http.DefaultClient timeout changed to %v", http.DefaultClient.Timeout)
		}
	})

	t.Run("default client", func(t *testing.T) {
		c := NewClient("", WithTimeout(5*time.Second))
		if c.httpClient.Timeout != 5*time.Second {
			t.Fatalf("timeout = %v", c.httpClient.Timeout)
		}
	})
}
