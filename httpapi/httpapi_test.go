package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/jsonview/checkpoint"
	"github.com/hazyhaar/jsonview/engine"
	"github.com/hazyhaar/jsonview/httpapi"
	"github.com/hazyhaar/jsonview/identity"
	"github.com/hazyhaar/jsonview/linkcodec"
	"github.com/hazyhaar/jsonview/workerrpc"
)

func newTestServer(t *testing.T, opts ...httpapi.Option) *httptest.Server {
	t.Helper()
	w := workerrpc.NewWorker()
	backend := engine.NewBackend(filepath.Join(t.TempDir(), "api.db"))
	backend.Register(w)
	linkcodec.RegisterHandlers(w)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		backend.Close()
	})
	client := workerrpc.Start(ctx, w)

	eng := engine.New(client, checkpoint.Migrations())
	store := checkpoint.New(eng)
	codec := linkcodec.New(client)

	srv := httptest.NewServer(httpapi.New(store, codec, opts...).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp
}

func TestCheckpointEndpoints(t *testing.T) {
	srv := newTestServer(t)

	// Upsert two checkpoints.
	resp := postJSON(t, srv.URL+"/api/checkpoints", map[string]string{
		"content": `{"a":1}`, "source": "paste",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("upsert status = %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/api/checkpoints", map[string]string{
		"content": `{"b":2}`, "source": "manual",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("upsert status = %d", resp.StatusCode)
	}

	// Invalid source is a 400.
	resp = postJSON(t, srv.URL+"/api/checkpoints", map[string]string{
		"content": `{}`, "source": "telepathy",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid source status = %d, want 400", resp.StatusCode)
	}

	// List with a source filter.
	var list struct {
		Checkpoints []struct {
			Hash    string `json:"hash"`
			Content string `json:"content"`
			Source  string `json:"source"`
		} `json:"checkpoints"`
	}
	getJSON(t, srv.URL+"/api/checkpoints?source=manual", &list)
	if len(list.Checkpoints) != 1 || list.Checkpoints[0].Content != `{"b":2}` {
		t.Fatalf("filtered list = %v", list.Checkpoints)
	}

	// Latest.
	var latest struct {
		Hash    string `json:"hash"`
		Content string `json:"content"`
	}
	getJSON(t, srv.URL+"/api/checkpoints/latest", &latest)
	if latest.Content != `{"b":2}` {
		t.Fatalf("latest = %v", latest)
	}

	// Exists.
	var exists struct {
		Exists bool `json:"exists"`
	}
	getJSON(t, srv.URL+"/api/checkpoints/"+identity.Digest(`{"a":1}`)+"/exists", &exists)
	if !exists.Exists {
		t.Fatal("stored hash reported missing")
	}

	// Rename via PATCH.
	req, _ := http.NewRequest(http.MethodPatch,
		srv.URL+"/api/checkpoints/"+latest.Hash, strings.NewReader(`{"name":"good state"}`))
	req.Header.Set("Content-Type", "application/json")
	patchResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	patchResp.Body.Close()
	if patchResp.StatusCode != http.StatusNoContent {
		t.Fatalf("rename status = %d", patchResp.StatusCode)
	}

	var named struct {
		Name string `json:"name"`
	}
	getJSON(t, srv.URL+"/api/checkpoints/latest", &named)
	if named.Name != "good state" {
		t.Fatalf("name = %q after rename", named.Name)
	}

	// Sibling: earlier of the latest is the first checkpoint.
	var sibling struct {
		Content string `json:"content"`
	}
	resp = getJSON(t, srv.URL+"/api/checkpoints/"+latest.Hash+"/sibling?dir=earlier", &sibling)
	if resp.StatusCode != http.StatusOK || sibling.Content != `{"a":1}` {
		t.Fatalf("sibling = %d %v", resp.StatusCode, sibling)
	}

	// No later sibling of the newest row.
	resp = getJSON(t, srv.URL+"/api/checkpoints/"+latest.Hash+"/sibling?dir=later", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("later sibling status = %d, want 404", resp.StatusCode)
	}
}

func TestLatestEmptyStore(t *testing.T) {
	srv := newTestServer(t)
	resp := getJSON(t, srv.URL+"/api/checkpoints/latest", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("latest on empty store = %d, want 404", resp.StatusCode)
	}
}

func TestLinkEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var encoded struct {
		Fragment string `json:"fragment"`
	}
	resp := postJSON(t, srv.URL+"/api/link/encode", map[string]any{"text": `{"share":1}`})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("encode status = %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&encoded); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(encoded.Fragment, "#/") {
		t.Fatalf("fragment = %q", encoded.Fragment)
	}

	var decoded struct {
		Found bool   `json:"found"`
		Text  string `json:"text"`
	}
	resp = postJSON(t, srv.URL+"/api/link/decode", map[string]string{"fragment": encoded.Fragment})
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	if !decoded.Found || decoded.Text != `{"share":1}` {
		t.Fatalf("decoded = %+v", decoded)
	}

	// Corrupt fragments come back as found=false, not an error.
	resp = postJSON(t, srv.URL+"/api/link/decode", map[string]string{"fragment": "#/not-valid-base64!!"})
	decoded = struct {
		Found bool   `json:"found"`
		Text  string `json:"text"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || decoded.Found {
		t.Fatalf("corrupt fragment: %d %+v", resp.StatusCode, decoded)
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, httpapi.WithBasicAuth(hash))

	// Healthz stays open.
	resp := getJSON(t, srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp = getJSON(t, srv.URL+"/api/checkpoints", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/checkpoints", nil)
	req.SetBasicAuth("anyone", "s3cret")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", authed.StatusCode)
	}
}

func TestEventsStreamSignalsChanges(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// Give the subscription a moment to land, then write.
	time.Sleep(50 * time.Millisecond)
	postJSON(t, srv.URL+"/api/checkpoints", map[string]string{
		"content": `{"evt":1}`, "source": "paste",
	})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("event stream closed without a change event")
			}
			if strings.HasPrefix(line, "event: change") {
				return
			}
		case <-deadline:
			t.Fatal("no change event within deadline")
		}
	}
}

func TestSessionDrivesNavigator(t *testing.T) {
	srv := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/session"

	dial := func() *wsConn {
		t.Helper()
		return dialSession(t, wsURL)
	}

	// Fresh tab, no fragment: a local edit produces a replace_state whose
	// fragment round-trips through the decode endpoint.
	c := dial()
	c.send(t, map[string]any{"type": "hello", "fragment": ""})
	c.send(t, map[string]any{"type": "text_changed", "text": `{"ws":1}`})

	msg := c.expect(t, "replace_state")
	if msg["state"] != `{"ws":1}` {
		t.Fatalf("replace_state carries %q, want verbatim text", msg["state"])
	}
	fragment, _ := msg["fragment"].(string)
	if !strings.HasPrefix(fragment, "#/") {
		t.Fatalf("fragment = %q", fragment)
	}

	// Force-push makes exactly the next write a push.
	c.send(t, map[string]any{"type": "force_push"})
	c.send(t, map[string]any{"type": "text_changed", "text": `{"ws":2}`})
	c.expect(t, "push_state")
	c.send(t, map[string]any{"type": "text_changed", "text": `{"ws":3}`})
	c.expect(t, "replace_state")

	// Back/forward: verbatim history payload comes back as set_text.
	c.send(t, map[string]any{"type": "popstate", "text": "raw history payload"})
	msg = c.expect(t, "set_text")
	if msg["text"] != "raw history payload" {
		t.Fatalf("set_text carries %q", msg["text"])
	}

	// A second tab opening with that fragment adopts the document at startup.
	c2 := dial()
	c2.send(t, map[string]any{"type": "hello", "fragment": fragment})
	msg = c2.expect(t, "set_text")
	if msg["text"] != `{"ws":1}` {
		t.Fatalf("startup adoption text = %q, want %q", msg["text"], `{"ws":1}`)
	}
}
