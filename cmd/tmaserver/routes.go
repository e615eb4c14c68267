package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/atomicio"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/catalog"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/tgauth"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/web"

	"github.com/google/uuid"
)

// Stable error codes of the API. Verification and authorization failures
// are distinct: the former means the payload can't be trusted at all, the
// latter that a genuine user isn't an operator.
var (
	errInvalidInitData = fmt.Errorf("%w: invalid_init_data", web.ErrForbidden)
	errNotAdmin        = fmt.Errorf("%w: not_admin", web.ErrForbidden)
	errMissingProduct  = fmt.Errorf("%w: missing_product", web.ErrBadRequest)
)

func (e *engine) initRoutes() {
	e.mux = http.NewServeMux()

	e.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "Bot is running")
	})
	e.mux.HandleFunc("POST /telegram", e.handleTelegramWebhook)
	e.mux.HandleFunc("GET /debug/webhook", e.handleDebugWebhook)

	e.mux.HandleFunc("POST /lead", e.handleLead)
	e.mux.HandleFunc("POST /check_admin", e.handleCheckAdmin)

	e.mux.HandleFunc("GET /products", e.handleListProducts)
	e.mux.HandleFunc("POST /products", e.handleUpsertProduct)
	e.mux.HandleFunc("PATCH /products/{id}", e.handlePatchProduct)
	e.mux.HandleFunc("DELETE /products/{id}", e.handleDeleteProduct)

	e.mux.HandleFunc("POST /upload-image", e.handleUploadImage)
	e.mux.HandleFunc("DELETE /images", e.handleDeleteImage)
	e.mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(e.uploadsDir))))
}

// apiRequest is the body shape shared by all authenticated API endpoints.
type apiRequest struct {
	InitData      string                     `json:"init_data"`
	UnsafeAdminID int64                      `json:"unsafe_admin_id,omitempty"`
	Product       *catalog.Product           `json:"product,omitempty"`
	Fields        map[string]json.RawMessage `json:"fields,omitempty"`
	ProductID     string                     `json:"product_id,omitempty"`
	URL           string                     `json:"url,omitempty"`
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("%w: malformed JSON body", web.ErrBadRequest)
	}
	return nil
}

// identity extracts and verifies the caller's identity. Credential sources
// are tried in a fixed priority order:
//
//  1. the Authorization header, "tma <init-data>";
//  2. the init_data body field;
//  3. the unsafe_admin_id body field, only when the -unsafe-admin flag is
//     set (development bypass, off by default).
//
// A present but invalid credential fails the request; later sources are
// never consulted as fallbacks for it.
func (e *engine) identity(r *http.Request, body *apiRequest) (*tgauth.Identity, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if initData, ok := strings.CutPrefix(h, "tma "); ok {
			ident, err := e.verifier.Verify(initData)
			if err != nil {
				return nil, errInvalidInitData
			}
			return ident, nil
		}
	}
	if body != nil && body.InitData != "" {
		ident, err := e.verifier.Verify(body.InitData)
		if err != nil {
			return nil, errInvalidInitData
		}
		return ident, nil
	}
	if e.unsafeAdmin && body != nil && body.UnsafeAdminID != 0 {
		return &tgauth.Identity{ID: body.UnsafeAdminID}, nil
	}
	return nil, errInvalidInitData
}

func (e *engine) requireAdmin(r *http.Request, body *apiRequest) error {
	ident, err := e.identity(r, body)
	if err != nil {
		return err
	}
	if !e.admins.Contains(ident.ID) {
		return errNotAdmin
	}
	return nil
}

func (e *engine) handleCheckAdmin(w http.ResponseWriter, r *http.Request) {
	var req apiRequest
	if err := decodeBody(r, &req); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	ident, err := e.identity(r, &req)
	if err != nil {
		web.RespondJSON(w, map[string]any{"ok": false, "isAdmin": false})
		return
	}
	web.RespondJSON(w, map[string]any{
		"ok":      true,
		"isAdmin": e.admins.Contains(ident.ID),
		"user_id": ident.ID,
	})
}

func (e *engine) handleListProducts(w http.ResponseWriter, r *http.Request) {
	web.RespondJSON(w, map[string]any{"ok": true, "products": e.svc.List()})
}

func (e *engine) handleUpsertProduct(w http.ResponseWriter, r *http.Request) {
	var req apiRequest
	if err := decodeBody(r, &req); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	if err := e.requireAdmin(r, &req); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	if req.Product == nil || req.Product.ID == "" {
		web.RespondJSONError(e.logf, w, errMissingProduct)
		return
	}
	p, err := e.svc.Upsert(*req.Product)
	if err != nil {
		web.RespondJSONError(e.logf, w, catalogErr(err))
		return
	}
	web.RespondJSON(w, map[string]any{"ok": true, "product": p})
}

func (e *engine) handlePatchProduct(w http.ResponseWriter, r *http.Request) {
	var req apiRequest
	if err := decodeBody(r, &req); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	if err := e.requireAdmin(r, &req); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	if len(req.Fields) == 0 {
		web.RespondJSONError(e.logf, w, fmt.Errorf("%w: missing_fields", web.ErrBadRequest))
		return
	}
	p, err := e.svc.Patch(r.PathValue("id"), req.Fields)
	if err != nil {
		web.RespondJSONError(e.logf, w, catalogErr(err))
		return
	}
	web.RespondJSON(w, map[string]any{"ok": true, "product": p})
}

func (e *engine) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	var req apiRequest
	if err := decodeBody(r, &req); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	if err := e.requireAdmin(r, &req); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	if err := e.svc.Delete(r.PathValue("id")); err != nil {
		web.RespondJSONError(e.logf, w, catalogErr(err))
		return
	}
	web.RespondJSON(w, map[string]any{"ok": true})
}

func (e *engine) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	var req apiRequest
	if err := decodeBody(r, &req); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	if err := e.requireAdmin(r, &req); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	if req.URL == "" {
		web.RespondJSONError(e.logf, w, fmt.Errorf("%w: missing_url", web.ErrBadRequest))
		return
	}

	// Uploaded images live on this server; remove the file along with the
	// reference. Images hosted elsewhere are only detached.
	if name, ok := e.uploadName(req.URL); ok {
		if err := os.Remove(filepath.Join(e.uploadsDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logf("Removing uploaded image %q: %v", name, err)
		}
	}

	if req.ProductID == "" {
		web.RespondJSON(w, map[string]any{"ok": true})
		return
	}
	p, err := e.svc.DetachImage(req.ProductID, req.URL)
	if err != nil {
		web.RespondJSONError(e.logf, w, catalogErr(err))
		return
	}
	web.RespondJSON(w, map[string]any{"ok": true, "product": p})
}

// uploadName maps an image URL back to a file name in the uploads
// directory, rejecting anything that doesn't point there.
func (e *engine) uploadName(rawURL string) (string, bool) {
	rest, ok := strings.CutPrefix(rawURL, e.appURL+"/uploads/")
	if !ok {
		rest, ok = strings.CutPrefix(rawURL, "/uploads/")
	}
	if !ok || rest == "" {
		return "", false
	}
	name := path.Base(rest)
	if name != rest || name == "." || name == "/" {
		return "", false
	}
	return name, true
}

const maxUploadBytes = 10 << 20

var allowedImageExts = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".webp": {},
}

func (e *engine) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("image")
	if err != nil {
		web.RespondJSONError(e.logf, w, fmt.Errorf("%w: missing_image", web.ErrBadRequest))
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if _, ok := allowedImageExts[ext]; !ok {
		web.RespondJSONError(e.logf, w, fmt.Errorf("%w: unsupported_image_type", web.ErrBadRequest))
		return
	}

	b, err := io.ReadAll(file)
	if err != nil {
		web.RespondJSONError(e.logf, w, fmt.Errorf("%w: reading image", web.ErrBadRequest))
		return
	}

	name := uuid.NewString() + ext
	if err := atomicio.WriteFile(filepath.Join(e.uploadsDir, name), b, 0o644); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	web.RespondJSON(w, map[string]any{"ok": true, "url": e.appURL + "/uploads/" + name})
}

func (e *engine) handleLead(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := decodeBody(r, &data); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	if e.admins.Len() == 0 {
		web.RespondJSONError(e.logf, w, fmt.Errorf("%w: ADMIN_CHAT_IDS is empty", web.ErrBadRequest))
		return
	}

	html := formatLead(data) + "\n\n<b>Время:</b> " + stamp(time.Now())
	delivered := e.notifyAdmins(r.Context(), html)
	web.RespondJSON(w, map[string]any{"ok": true, "delivered": delivered})
}

func (e *engine) handleDebugWebhook(w http.ResponseWriter, r *http.Request) {
	// Body-less endpoint: only the Authorization header is accepted here.
	if err := e.requireAdmin(r, nil); err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	info, err := e.tg.GetWebhookInfo(r.Context())
	if err != nil {
		web.RespondJSONError(e.logf, w, err)
		return
	}
	web.RespondJSON(w, info)
}

func catalogErr(err error) error {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return fmt.Errorf("%w: product", web.ErrNotFound)
	case errors.Is(err, catalog.ErrMissingID):
		return fmt.Errorf("%w: missing_product", web.ErrBadRequest)
	case errors.Is(err, catalog.ErrInvalidPatch):
		return fmt.Errorf("%w: %v", web.ErrBadRequest, err)
	}
	return err
}
