package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/catalog"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/cli"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/testutil"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/tgauth"
)

const (
	testBotToken = "123456:TEST-TOKEN"
	adminID      = 100
	strangerID   = 200
)

// fakeBackend serves both remote APIs the server talks to: the Telegram Bot
// API and the GitHub contents API.
type fakeBackend struct {
	mu sync.Mutex

	// Telegram
	tgCalls []tgCall

	// GitHub
	ghContent []byte
	ghSHA     string
	ghExists  bool
	ghPuts    int
}

type tgCall struct {
	method string
	args   map[string]any
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST api.telegram.org/{token}/{method}", func(w http.ResponseWriter, r *http.Request) {
		var args map[string]any
		json.NewDecoder(r.Body).Decode(&args)
		method := r.PathValue("method")

		f.mu.Lock()
		f.tgCalls = append(f.tgCalls, tgCall{method: method, args: args})
		f.mu.Unlock()

		var result any = true
		switch method {
		case "getMe":
			result = map[string]any{"id": 999, "is_bot": true, "username": "tma_bot"}
		case "getWebhookInfo":
			result = map[string]any{"url": ""}
		case "sendMessage", "sendPhoto":
			result = map[string]any{"message_id": 1}
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
	})

	mux.HandleFunc("GET api.github.com/repos/{owner}/{repo}/contents/{path}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.ghExists {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"content": base64.StdEncoding.EncodeToString(f.ghContent),
			"sha":     f.ghSHA,
		})
	})
	mux.HandleFunc("PUT api.github.com/repos/{owner}/{repo}/contents/{path}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req struct {
			Content string `json:"content"`
			SHA     string `json:"sha"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if f.ghExists && req.SHA != f.ghSHA {
			http.Error(w, `{"message":"sha mismatch"}`, http.StatusConflict)
			return
		}
		content, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.ghContent = content
		f.ghSHA = fmt.Sprintf("%x", sha256.Sum256(content))
		f.ghExists = true
		f.ghPuts++
		w.Write([]byte("{}"))
	})

	return mux
}

func (f *fakeBackend) setRemoteCatalog(content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ghContent = content
	f.ghSHA = fmt.Sprintf("%x", sha256.Sum256(content))
	f.ghExists = true
}

func (f *fakeBackend) remoteCatalog() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ghContent
}

// calls returns the recorded Telegram calls of the given method.
func (f *fakeBackend) calls(method string) []tgCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var calls []tgCall
	for _, c := range f.tgCalls {
		if c.method == method {
			calls = append(calls, c)
		}
	}
	return calls
}

type tlogWriter struct{ t *testing.T }

func (w tlogWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// testEngine starts an engine against the fake backend without binding a
// real listener. extraEnv entries override the defaults.
func testEngine(t *testing.T, extraEnv map[string]string) (*engine, *fakeBackend) {
	t.Helper()

	fake := &fakeBackend{}
	envMap := map[string]string{
		"BOT_TOKEN":      testBotToken,
		"ADMIN_CHAT_IDS": fmt.Sprint(adminID),
		"CHANNEL_ID":     "-100777",
		"APP_URL":        "https://bot.example.com",
		"FRONTEND_URL":   "https://app.example.com",
		"GITHUB_TOKEN":   "ghp_test",
		"GITHUB_REPO":    "example/site",
	}
	for k, v := range extraEnv {
		if v == "" {
			delete(envMap, k)
			continue
		}
		envMap[k] = v
	}

	e := &engine{
		dataDir:       t.TempDir(),
		httpc:         testutil.MockHTTPClient(fake.handler()),
		noServerStart: true,
	}
	err := e.Run(context.Background(), &cli.Env{
		Getenv: func(k string) string { return envMap[k] },
		Stderr: tlogWriter{t},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.svc.Flush)
	return e, fake
}

// initData builds init data signed with the bot token for the given user,
// the payload a Mini App would present.
func initData(userID int64) string {
	v := &tgauth.Verifier{Token: testBotToken}
	fields := map[string]string{
		// Fresh enough for the 24 hour acceptance window.
		"auth_date": fmt.Sprint(time.Now().Unix()),
		"user":      fmt.Sprintf(`{"id":%d,"first_name":"Test"}`, userID),
	}

	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines, pairs []string
	for _, k := range keys {
		lines = append(lines, k+"="+fields[k])
		pairs = append(pairs, k+"="+url.QueryEscape(fields[k]))
	}
	pairs = append(pairs, "hash="+v.Sign(strings.Join(lines, "\n")))
	return strings.Join(pairs, "&")
}

func doJSON(t *testing.T, e *engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var br *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		br = bytes.NewReader(b)
	} else {
		br = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, br)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	return w
}

func sendUpdate(t *testing.T, e *engine, upd map[string]any) {
	t.Helper()
	w := doJSON(t, e, http.MethodPost, "/telegram", upd)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
}

func TestRoot(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, nil)
	w := doJSON(t, e, http.MethodGet, "/", nil)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	testutil.AssertEqual(t, w.Body.String(), "Bot is running")
}

func TestRunWithoutBotToken(t *testing.T) {
	t.Parallel()

	e := &engine{noServerStart: true}
	err := e.Run(context.Background(), &cli.Env{
		Getenv: func(string) string { return "" },
		Stderr: tlogWriter{t},
	})
	if err != errNoBotToken {
		t.Fatalf("got %v, want errNoBotToken", err)
	}
}

func TestRunRejectsArguments(t *testing.T) {
	t.Parallel()

	e := &engine{noServerStart: true}
	err := e.Run(context.Background(), &cli.Env{
		Args:   []string{"serve"},
		Getenv: func(string) string { return "" },
		Stderr: tlogWriter{t},
	})
	if !errors.Is(err, cli.ErrInvalidArgs) {
		t.Fatalf("got %v, want cli.ErrInvalidArgs", err)
	}
}

func TestCheckAdmin(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, nil)

	// A verified admin.
	w := doJSON(t, e, http.MethodPost, "/check_admin", map[string]string{"init_data": initData(adminID)})
	resp := testutil.UnmarshalJSON[map[string]any](t, w.Body.Bytes())
	testutil.AssertEqual(t, resp["ok"], true)
	testutil.AssertEqual(t, resp["isAdmin"], true)

	// A verified non-admin.
	w = doJSON(t, e, http.MethodPost, "/check_admin", map[string]string{"init_data": initData(strangerID)})
	resp = testutil.UnmarshalJSON[map[string]any](t, w.Body.Bytes())
	testutil.AssertEqual(t, resp["ok"], true)
	testutil.AssertEqual(t, resp["isAdmin"], false)

	// A forged payload reports failure with a 200, so the Mini App can
	// show its regular non-admin view.
	w = doJSON(t, e, http.MethodPost, "/check_admin", map[string]string{"init_data": "user_id=100&hash=bogus"})
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	resp = testutil.UnmarshalJSON[map[string]any](t, w.Body.Bytes())
	testutil.AssertEqual(t, resp["ok"], false)
	testutil.AssertEqual(t, resp["isAdmin"], false)
}

func TestAuthorizationHeader(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, nil)

	r := httptest.NewRequest(http.MethodPost, "/check_admin", strings.NewReader("{}"))
	r.Header.Set("Authorization", "tma "+initData(adminID))
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)

	resp := testutil.UnmarshalJSON[map[string]any](t, w.Body.Bytes())
	testutil.AssertEqual(t, resp["isAdmin"], true)

	// An invalid header credential fails even when the body carries a
	// valid one: later sources are not fallbacks.
	r = httptest.NewRequest(http.MethodPost, "/check_admin",
		strings.NewReader(fmt.Sprintf(`{"init_data":%q}`, initData(adminID))))
	r.Header.Set("Authorization", "tma user_id=100&hash=bogus")
	w = httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	resp = testutil.UnmarshalJSON[map[string]any](t, w.Body.Bytes())
	testutil.AssertEqual(t, resp["isAdmin"], false)
}

func TestUnsafeAdminBypass(t *testing.T) {
	t.Parallel()

	// Off by default: unsafe_admin_id alone doesn't authenticate.
	e, _ := testEngine(t, nil)
	w := doJSON(t, e, http.MethodPost, "/products", map[string]any{
		"unsafe_admin_id": adminID,
		"product":         map[string]string{"id": "p1"},
	})
	testutil.AssertEqual(t, w.Code, http.StatusForbidden)

	// With the flag it is trusted.
	e2, _ := testEngine(t, nil)
	e2.unsafeAdmin = true
	w = doJSON(t, e2, http.MethodPost, "/products", map[string]any{
		"unsafe_admin_id": adminID,
		"product":         map[string]string{"id": "p1"},
	})
	testutil.AssertEqual(t, w.Code, http.StatusOK)
}

func TestProductLifecycle(t *testing.T) {
	t.Parallel()

	e, fake := testEngine(t, nil)

	// Create.
	w := doJSON(t, e, http.MethodPost, "/products", map[string]any{
		"init_data": initData(adminID),
		"product": map[string]any{
			"id":    "p1",
			"title": "Кухня на заказ",
			"imgs":  []string{"https://example.com/a.png"},
		},
	})
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	var createResp struct {
		Product catalog.Product `json:"product"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &createResp); err != nil {
		t.Fatal(err)
	}

	// Listing is public.
	w = doJSON(t, e, http.MethodGet, "/products", nil)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	var listResp struct {
		OK       bool              `json:"ok"`
		Products []catalog.Product `json:"products"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(listResp.Products), 1)
	testutil.AssertEqual(t, listResp.Products[0].Title, "Кухня на заказ")

	// Partial update.
	w = doJSON(t, e, http.MethodPatch, "/products/p1", map[string]any{
		"init_data": initData(adminID),
		"fields":    map[string]any{"title": "Кухня из дуба"},
	})
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	var patchResp struct {
		Product catalog.Product `json:"product"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &patchResp); err != nil {
		t.Fatal(err)
	}
	if !patchResp.Product.UpdatedAt.After(createResp.Product.UpdatedAt) {
		t.Fatalf("updatedAt not advanced by the update: %v -> %v",
			createResp.Product.UpdatedAt, patchResp.Product.UpdatedAt)
	}

	// The document on disk is the source for reads.
	b, err := os.ReadFile(filepath.Join(e.dataDir, productsFile))
	if err != nil {
		t.Fatal(err)
	}
	saved := testutil.UnmarshalJSON[[]catalog.Product](t, b)
	testutil.AssertEqual(t, saved[0].Title, "Кухня из дуба")

	// Every mutation is mirrored to the repository.
	e.svc.Flush()
	mirrored := testutil.UnmarshalJSON[[]catalog.Product](t, fake.remoteCatalog())
	testutil.AssertEqual(t, mirrored[0].Title, "Кухня из дуба")

	// Delete.
	w = doJSON(t, e, http.MethodDelete, "/products/p1", map[string]string{"init_data": initData(adminID)})
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	w = doJSON(t, e, http.MethodDelete, "/products/p1", map[string]string{"init_data": initData(adminID)})
	testutil.AssertEqual(t, w.Code, http.StatusNotFound)

	e.svc.Flush()
	testutil.AssertEqual(t, testutil.UnmarshalJSON[[]catalog.Product](t, fake.remoteCatalog()), []catalog.Product{})
}

func TestProductsRequireAdmin(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, nil)

	// No credentials at all.
	w := doJSON(t, e, http.MethodPost, "/products", map[string]any{
		"product": map[string]string{"id": "p1"},
	})
	testutil.AssertEqual(t, w.Code, http.StatusForbidden)
	if !strings.Contains(w.Body.String(), "invalid_init_data") {
		t.Fatalf("body %q lacks invalid_init_data", w.Body.String())
	}

	// Genuine user, but not an operator.
	w = doJSON(t, e, http.MethodPost, "/products", map[string]any{
		"init_data": initData(strangerID),
		"product":   map[string]string{"id": "p1"},
	})
	testutil.AssertEqual(t, w.Code, http.StatusForbidden)
	if !strings.Contains(w.Body.String(), "not_admin") {
		t.Fatalf("body %q lacks not_admin", w.Body.String())
	}

	// Nothing got written.
	w = doJSON(t, e, http.MethodGet, "/products", nil)
	if strings.Contains(w.Body.String(), "p1") {
		t.Fatal("unauthorized mutation went through")
	}

	// A non-admin can't delete what an admin created.
	w = doJSON(t, e, http.MethodPost, "/products", map[string]any{
		"init_data": initData(adminID),
		"product":   map[string]string{"id": "p1"},
	})
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	w = doJSON(t, e, http.MethodDelete, "/products/p1", map[string]string{"init_data": initData(strangerID)})
	testutil.AssertEqual(t, w.Code, http.StatusForbidden)
	w = doJSON(t, e, http.MethodGet, "/products", nil)
	if !strings.Contains(w.Body.String(), "p1") {
		t.Fatal("product lost after a forbidden delete")
	}
}

func TestPatchValidation(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, nil)
	w := doJSON(t, e, http.MethodPost, "/products", map[string]any{
		"init_data": initData(adminID),
		"product":   map[string]string{"id": "p1"},
	})
	testutil.AssertEqual(t, w.Code, http.StatusOK)

	// Empty patch.
	w = doJSON(t, e, http.MethodPatch, "/products/p1", map[string]any{
		"init_data": initData(adminID),
	})
	testutil.AssertEqual(t, w.Code, http.StatusBadRequest)

	// Field outside the allow-list.
	w = doJSON(t, e, http.MethodPatch, "/products/p1", map[string]any{
		"init_data": initData(adminID),
		"fields":    map[string]any{"id": "p2"},
	})
	testutil.AssertEqual(t, w.Code, http.StatusBadRequest)

	// Unknown product.
	w = doJSON(t, e, http.MethodPatch, "/products/ghost", map[string]any{
		"init_data": initData(adminID),
		"fields":    map[string]any{"title": "x"},
	})
	testutil.AssertEqual(t, w.Code, http.StatusNotFound)
}

func TestUploadAndDeleteImage(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("\x89PNG fake image bytes"))
	mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/upload-image", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusOK)

	resp := testutil.UnmarshalJSON[map[string]any](t, w.Body.Bytes())
	imgURL, _ := resp["url"].(string)
	if !strings.HasPrefix(imgURL, "https://bot.example.com/uploads/") || !strings.HasSuffix(imgURL, ".png") {
		t.Fatalf("unexpected upload URL %q", imgURL)
	}

	name := path.Base(imgURL)
	if _, err := os.Stat(filepath.Join(e.uploadsDir, name)); err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}

	// The file is served back under /uploads/.
	w2 := doJSON(t, e, http.MethodGet, "/uploads/"+name, nil)
	testutil.AssertEqual(t, w2.Code, http.StatusOK)

	// Deleting removes the file from disk.
	w3 := doJSON(t, e, http.MethodDelete, "/images", map[string]any{
		"init_data": initData(adminID),
		"url":       imgURL,
	})
	testutil.AssertEqual(t, w3.Code, http.StatusOK)
	if _, err := os.Stat(filepath.Join(e.uploadsDir, name)); !os.IsNotExist(err) {
		t.Fatalf("uploaded file still exists: %v", err)
	}
}

func TestUploadRejectsUnknownExtension(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "script.sh")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("#!/bin/sh"))
	mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/upload-image", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusBadRequest)
}

func TestDeleteImageDetachesFromProduct(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, nil)
	w := doJSON(t, e, http.MethodPost, "/products", map[string]any{
		"init_data": initData(adminID),
		"product": map[string]any{
			"id":   "p1",
			"imgs": []string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"},
		},
	})
	testutil.AssertEqual(t, w.Code, http.StatusOK)

	w = doJSON(t, e, http.MethodDelete, "/images", map[string]any{
		"init_data":  initData(adminID),
		"url":        "https://cdn.example.com/a.png",
		"product_id": "p1",
	})
	testutil.AssertEqual(t, w.Code, http.StatusOK)

	var resp struct {
		Product catalog.Product `json:"product"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, resp.Product.Imgs, []catalog.Image{{URL: "https://cdn.example.com/b.png"}})
}

func TestLead(t *testing.T) {
	t.Parallel()

	e, fake := testEngine(t, nil)

	w := doJSON(t, e, http.MethodPost, "/lead", map[string]any{
		"action": "send_request",
		"name":   "Иван",
		"phone":  "+7 900 000-00-00",
	})
	testutil.AssertEqual(t, w.Code, http.StatusOK)

	resp := testutil.UnmarshalJSON[map[string]any](t, w.Body.Bytes())
	testutil.AssertEqual(t, resp["ok"], true)
	testutil.AssertEqual(t, resp["delivered"], float64(1))

	sends := fake.calls("sendMessage")
	testutil.AssertEqual(t, len(sends), 1)
	text, _ := sends[0].args["text"].(string)
	if !strings.Contains(text, "Иван") || !strings.Contains(text, "Заявка") {
		t.Fatalf("unexpected lead notification %q", text)
	}
	testutil.AssertEqual(t, sends[0].args["chat_id"], fmt.Sprint(adminID))
}

func TestLeadWithoutAdmins(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, map[string]string{"ADMIN_CHAT_IDS": ""})
	w := doJSON(t, e, http.MethodPost, "/lead", map[string]any{"name": "Иван"})
	testutil.AssertEqual(t, w.Code, http.StatusBadRequest)
}

func TestWebhookSecret(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, map[string]string{"TG_SECRET": "s3cret"})

	upd, _ := json.Marshal(map[string]any{"update_id": 1})

	// Wrong secret: rejected without processing.
	r := httptest.NewRequest(http.MethodPost, "/telegram", bytes.NewReader(upd))
	r.Header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusNotFound)

	// Right secret.
	r = httptest.NewRequest(http.MethodPost, "/telegram", bytes.NewReader(upd))
	r.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	w = httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
}

func TestStartCommand(t *testing.T) {
	t.Parallel()

	e, fake := testEngine(t, nil)

	sendUpdate(t, e, map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 1,
			"from":       map[string]any{"id": strangerID, "first_name": "Гость"},
			"chat":       map[string]any{"id": strangerID, "type": "private"},
			"text":       "/start",
		},
	})

	sends := fake.calls("sendMessage")
	testutil.AssertEqual(t, len(sends), 1)
	markup, _ := json.Marshal(sends[0].args["reply_markup"])
	if !strings.Contains(string(markup), "https://app.example.com") {
		t.Fatalf("welcome keyboard lacks the Mini App button: %s", markup)
	}

	// Admins additionally get the posting cheat sheet.
	sendUpdate(t, e, map[string]any{
		"update_id": 2,
		"message": map[string]any{
			"message_id": 2,
			"from":       map[string]any{"id": adminID, "first_name": "Админ"},
			"chat":       map[string]any{"id": adminID, "type": "private"},
			"text":       "/start",
		},
	})
	testutil.AssertEqual(t, len(fake.calls("sendMessage")), 3)
}

func TestAdminPingCommand(t *testing.T) {
	t.Parallel()

	e, fake := testEngine(t, nil)

	// Strangers can't probe the admin notification channel.
	sendUpdate(t, e, map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 1,
			"from":       map[string]any{"id": strangerID, "first_name": "Гость"},
			"chat":       map[string]any{"id": strangerID, "type": "private"},
			"text":       "/test_admin",
		},
	})
	for _, c := range fake.calls("sendMessage") {
		if c.args["chat_id"] == fmt.Sprint(adminID) {
			t.Fatalf("stranger triggered an admin notification: %v", c.args)
		}
	}

	sendUpdate(t, e, map[string]any{
		"update_id": 2,
		"message": map[string]any{
			"message_id": 2,
			"from":       map[string]any{"id": adminID, "first_name": "Админ"},
			"chat":       map[string]any{"id": adminID, "type": "private"},
			"text":       "/test_admin",
		},
	})
	var delivered, confirmed bool
	for _, c := range fake.calls("sendMessage") {
		text, _ := c.args["text"].(string)
		if c.args["chat_id"] == fmt.Sprint(adminID) {
			if strings.Contains(text, "Тестовое сообщение") {
				delivered = true
			}
			if strings.Contains(text, "✅") {
				confirmed = true
			}
		}
	}
	if !delivered {
		t.Fatal("test message did not reach the admin chat")
	}
	if !confirmed {
		t.Fatal("sender did not get a delivery confirmation")
	}
}

func TestPostCommand(t *testing.T) {
	t.Parallel()

	e, fake := testEngine(t, nil)

	// Non-admins can't publish.
	sendUpdate(t, e, map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 1,
			"from":       map[string]any{"id": strangerID},
			"chat":       map[string]any{"id": strangerID, "type": "private"},
			"text":       "/post Привет",
		},
	})
	for _, c := range fake.calls("sendMessage") {
		if c.args["chat_id"] == "-100777" {
			t.Fatal("non-admin publication reached the channel")
		}
	}

	// Admin publication goes to the configured channel with the button.
	sendUpdate(t, e, map[string]any{
		"update_id": 2,
		"message": map[string]any{
			"message_id": 2,
			"from":       map[string]any{"id": adminID},
			"chat":       map[string]any{"id": adminID, "type": "private"},
			"text":       "/post Новая кухня в каталоге",
		},
	})

	var channelPost *tgCall
	for _, c := range fake.calls("sendMessage") {
		if c.args["chat_id"] == "-100777" {
			c := c
			channelPost = &c
		}
	}
	if channelPost == nil {
		t.Fatal("nothing was published to the channel")
	}
	testutil.AssertEqual(t, channelPost.args["text"], "Новая кухня в каталоге")
	markup, _ := json.Marshal(channelPost.args["reply_markup"])
	if !strings.Contains(string(markup), "Открыть") {
		t.Fatalf("post lacks the catalog button: %s", markup)
	}
}

func TestPostCommandReplyPhoto(t *testing.T) {
	t.Parallel()

	e, fake := testEngine(t, nil)

	sendUpdate(t, e, map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 2,
			"from":       map[string]any{"id": adminID},
			"chat":       map[string]any{"id": adminID, "type": "private"},
			"text":       "/post",
			"reply_to_message": map[string]any{
				"message_id": 1,
				"caption":    "Фото кухни",
				"photo": []map[string]any{
					{"file_id": "small", "file_size": 100},
					{"file_id": "big", "file_size": 9000},
				},
			},
		},
	})

	photos := fake.calls("sendPhoto")
	testutil.AssertEqual(t, len(photos), 1)
	testutil.AssertEqual(t, photos[0].args["photo"], "big")
	testutil.AssertEqual(t, photos[0].args["caption"], "Фото кухни")
	testutil.AssertEqual(t, photos[0].args["chat_id"], "-100777")
}

func TestPostCommandUsage(t *testing.T) {
	t.Parallel()

	e, fake := testEngine(t, nil)

	// No text and no reply: the bot explains the usage instead of posting.
	sendUpdate(t, e, map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 1,
			"from":       map[string]any{"id": adminID},
			"chat":       map[string]any{"id": adminID, "type": "private"},
			"text":       "/post",
		},
	})

	sends := fake.calls("sendMessage")
	testutil.AssertEqual(t, len(sends), 1)
	testutil.AssertEqual(t, sends[0].args["chat_id"], fmt.Sprint(adminID))
	text, _ := sends[0].args["text"].(string)
	if !strings.Contains(text, "/post") {
		t.Fatalf("usage reply %q doesn't mention /post", text)
	}
}

func TestSetChannelCommand(t *testing.T) {
	t.Parallel()

	e, fake := testEngine(t, nil)

	sendUpdate(t, e, map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 1,
			"from":       map[string]any{"id": adminID},
			"chat":       map[string]any{"id": adminID, "type": "private"},
			"text":       "/set_channel @my_channel",
		},
	})
	testutil.AssertEqual(t, e.route.Get().ChannelID, "@my_channel")

	// Subsequent posts go to the new channel.
	sendUpdate(t, e, map[string]any{
		"update_id": 2,
		"message": map[string]any{
			"message_id": 2,
			"from":       map[string]any{"id": adminID},
			"chat":       map[string]any{"id": adminID, "type": "private"},
			"text":       "/post Тест",
		},
	})
	var found bool
	for _, c := range fake.calls("sendMessage") {
		if c.args["chat_id"] == "@my_channel" {
			found = true
		}
	}
	if !found {
		t.Fatal("post did not reach the rebound channel")
	}

	// Garbage targets are rejected.
	sendUpdate(t, e, map[string]any{
		"update_id": 3,
		"message": map[string]any{
			"message_id": 3,
			"from":       map[string]any{"id": adminID},
			"chat":       map[string]any{"id": adminID, "type": "private"},
			"text":       "/set_channel garbage",
		},
	})
	testutil.AssertEqual(t, e.route.Get().ChannelID, "@my_channel")
}

func TestBindCommand(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, nil)

	sendUpdate(t, e, map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 2,
			"from":       map[string]any{"id": adminID},
			"chat":       map[string]any{"id": adminID, "type": "private"},
			"text":       "/bind",
			"reply_to_message": map[string]any{
				"message_id":        1,
				"forward_from_chat": map[string]any{"id": -100555, "type": "channel", "title": "Мой канал"},
			},
		},
	})
	testutil.AssertEqual(t, e.route.Get().ChannelID, "-100555")
}

func TestWebAppDataLead(t *testing.T) {
	t.Parallel()

	e, fake := testEngine(t, nil)

	payload, _ := json.Marshal(map[string]any{
		"action": "send_request",
		"name":   "Мария",
		"phone":  "+7 911 111-11-11",
	})
	sendUpdate(t, e, map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id":   1,
			"from":         map[string]any{"id": strangerID, "first_name": "Мария"},
			"chat":         map[string]any{"id": strangerID, "type": "private"},
			"web_app_data": map[string]any{"data": string(payload), "button_text": "Отправить"},
		},
	})

	var adminNote, userAck bool
	for _, c := range fake.calls("sendMessage") {
		text, _ := c.args["text"].(string)
		switch c.args["chat_id"] {
		case fmt.Sprint(adminID):
			if strings.Contains(text, "Мария") {
				adminNote = true
			}
		case fmt.Sprint(strangerID):
			if strings.Contains(text, "✅") {
				userAck = true
			}
		}
	}
	if !adminNote {
		t.Fatal("admin was not notified about the submission")
	}
	if !userAck {
		t.Fatal("user did not get a confirmation")
	}
}

func TestStartupSyncFromRemote(t *testing.T) {
	t.Parallel()

	e, fake := testEngine(t, nil)
	fake.setRemoteCatalog([]byte(`[{"id":"remote","title":"Из репозитория"}]`))

	if err := e.svc.SyncFromRemote(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, e, http.MethodGet, "/products", nil)
	if !strings.Contains(w.Body.String(), "Из репозитория") {
		t.Fatalf("catalog not synced from remote: %s", w.Body.String())
	}
}

func TestDebugWebhookRequiresAdmin(t *testing.T) {
	t.Parallel()

	e, _ := testEngine(t, nil)

	w := doJSON(t, e, http.MethodGet, "/debug/webhook", nil)
	testutil.AssertEqual(t, w.Code, http.StatusForbidden)

	r := httptest.NewRequest(http.MethodGet, "/debug/webhook", nil)
	r.Header.Set("Authorization", "tma "+initData(adminID))
	w2 := httptest.NewRecorder()
	e.mux.ServeHTTP(w2, r)
	testutil.AssertEqual(t, w2.Code, http.StatusOK)
}

func TestFormatLead(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		data map[string]any
		want []string
	}{
		"form": {
			map[string]any{"action": "send_request", "name": "Иван", "phone": "+7 900", "comment": "Срочно"},
			[]string{"Заявка", "Иван", "+7 900", "Срочно"},
		},
		"form with product": {
			map[string]any{"action": "send_request_form", "name": "Иван", "phone": "+7 900", "product": map[string]any{"title": "Кухня"}},
			[]string{"Заявка", "Кухня"},
		},
		"consult": {
			map[string]any{"type": "lead", "name": "Мария", "contact": "@maria", "message": "Вопрос"},
			[]string{"консультации", "Мария", "@maria", "Вопрос"},
		},
		"unknown shape": {
			map[string]any{"something": "else"},
			[]string{"<pre>", "something"},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := formatLead(tc.data)
			for _, want := range tc.want {
				if !strings.Contains(got, want) {
					t.Fatalf("formatLead(%v) = %q, missing %q", tc.data, got, want)
				}
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		text     string
		wantCmd  string
		wantArgs string
	}{
		"plain":      {"/start", "start", ""},
		"args":       {"/post Привет мир", "post", "Привет мир"},
		"at bot":     {"/post@tma_bot Привет", "post", "Привет"},
		"not a cmd":  {"привет", "", ""},
		"whitespace": {"/post   ", "post", ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cmd, args := parseCommand(tc.text)
			testutil.AssertEqual(t, cmd, tc.wantCmd)
			testutil.AssertEqual(t, args, tc.wantArgs)
		})
	}
}
