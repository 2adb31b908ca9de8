// Package remote is the typed client for the compliance API consumed by the
// console. It adapts the gateway's transport into per-endpoint calls and maps
// error payloads into sentinel errors the screens dispatch on.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"compligate.org/internal/gateway"
	"compligate.org/internal/obs"
	"compligate.org/internal/tokens"
)

// Client issues typed calls through the gateway.
type Client struct {
	gw *gateway.Gateway
}

func NewClient(gw *gateway.Gateway) *Client { return &Client{gw: gw} }

// LoginResult is the credential pair and routing hints returned by a
// successful login.
type LoginResult struct {
	Access             string      `json:"access"`
	Refresh            string      `json:"refresh"`
	Role               tokens.Role `json:"role"`
	MustChangePassword bool        `json:"must_change_password"`
}

// Profile is the current user's account record.
type Profile struct {
	ID                 string `json:"id"`
	FullName           string `json:"full_name"`
	Email              string `json:"email"`
	MustChangePassword bool   `json:"must_change_password"`
	IsActive           bool   `json:"is_active"`
}

// Organization is the admin's organization record.
type Organization struct {
	Name     string `json:"name"`
	Verified bool   `json:"is_verified"`
}

// PendingDocument is one outstanding document on an upload link.
type PendingDocument struct {
	ID           string `json:"id"`
	DocumentType string `json:"document_type"`
}

// UploadLink is a resolved public upload token.
type UploadLink struct {
	VendorName       string            `json:"vendor_name"`
	PendingDocuments []PendingDocument `json:"pending_documents"`
}

// RegisterRequest creates an organization with its first admin account.
type RegisterRequest struct {
	OrganizationName string `json:"organization_name"`
	FullName         string `json:"full_name"`
	Email            string `json:"email"`
	Password         string `json:"password"`
}

// Login exchanges credentials for a fresh credential pair. Identity is
// case-insensitive, so the email is lowercased before transmission. The
// caller persists the pair; this client never writes the store.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	payload := map[string]string{
		"email":    strings.ToLower(strings.TrimSpace(email)),
		"password": password,
	}
	resp, err := c.postJSON(ctx, "accounts/auth/login/", payload, true)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		// Deliberately non-enumerating: the same error regardless of which
		// part of the credential was wrong.
		return nil, &APIError{Status: resp.Status, Detail: "invalid email or password", sentinel: ErrInvalidCredentials}
	}
	if resp.Status != http.StatusOK {
		return nil, apiError(resp)
	}
	var result LoginResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("remote: decode login response: %w", err)
	}
	result.Role = tokens.ParseRole(string(result.Role))
	return &result, nil
}

// Me fetches the current user's profile.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var profile Profile
	if err := c.getJSON(ctx, "accounts/users/me/", &profile, false); err != nil {
		return nil, err
	}
	return &profile, nil
}

// OrganizationMe fetches the admin's organization.
func (c *Client) OrganizationMe(ctx context.Context) (*Organization, error) {
	var org Organization
	if err := c.getJSON(ctx, "accounts/organizations/me/", &org, false); err != nil {
		return nil, err
	}
	return &org, nil
}

// ChangePassword submits a current/new password pair for the authenticated
// user.
func (c *Client) ChangePassword(ctx context.Context, current, newPassword string) error {
	payload := map[string]string{
		"current_password": current,
		"new_password":     newPassword,
	}
	resp, err := c.postJSON(ctx, "accounts/auth/password/change/", payload, false)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return apiError(resp)
	}
	return nil
}

// ForgotPassword requests a reset email. It always reports success: whether
// the address exists must not be observable to the caller.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	payload := map[string]string{"email": strings.ToLower(strings.TrimSpace(email))}
	resp, err := c.postJSON(ctx, "accounts/auth/password/forgot/", payload, true)
	if err != nil {
		obs.LogEvent("forgot_password_send_failed", map[string]any{"error": err.Error()})
		return nil
	}
	if resp.Status < 200 || resp.Status > 299 {
		obs.LogEvent("forgot_password_send_failed", map[string]any{"status": resp.Status})
	}
	return nil
}

// ResetPassword completes a reset started from a forgot-password email.
func (c *Client) ResetPassword(ctx context.Context, uid, token, newPassword string) error {
	payload := map[string]string{
		"uid":          uid,
		"token":        token,
		"new_password": newPassword,
	}
	resp, err := c.postJSON(ctx, "accounts/auth/password/reset/", payload, true)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return apiError(resp)
	}
	return nil
}

// Register creates an organization and its first admin. The account stays
// unusable until the organization is verified.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	resp, err := c.postJSON(ctx, "accounts/auth/register/", req, true)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return apiError(resp)
	}
	return nil
}

// VerifyEmail confirms an email-verification token.
func (c *Client) VerifyEmail(ctx context.Context, token string) error {
	resp, err := c.gw.Do(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   "accounts/auth/verify-email/" + token + "/",
		Public: true,
	})
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return apiError(resp)
	}
	return nil
}

// ResolveUploadLink resolves a public upload token to the vendor name and
// its pending documents.
func (c *Client) ResolveUploadLink(ctx context.Context, token string) (*UploadLink, error) {
	var link UploadLink
	if err := c.getJSON(ctx, "vendors/upload/"+token+"/", &link, true); err != nil {
		return nil, err
	}
	return &link, nil
}

// UploadDocument submits one file against one pending document of an upload
// link. File constraints are checked before any network call. The returned
// flag reports whether the server considers the link fully satisfied.
func (c *Client) UploadDocument(ctx context.Context, token, documentID string, expiry *time.Time, f File) (bool, error) {
	if err := DocumentFileConstraints.Check(f); err != nil {
		return false, err
	}

	fields := map[string]string{"document_id": documentID}
	if expiry != nil {
		fields["expiry_date"] = expiry.Format("2006-01-02")
	}
	body, contentType, err := multipartBody("file", f, fields)
	if err != nil {
		return false, err
	}

	resp, err := c.gw.Do(ctx, gateway.Request{
		Method:      http.MethodPost,
		Path:        "vendors/upload/" + token + "/",
		Body:        body,
		ContentType: contentType,
		Public:      true,
	})
	if err != nil {
		return false, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return false, apiError(resp)
	}
	var payload struct {
		AllComplete bool `json:"all_complete"`
	}
	_ = json.Unmarshal(resp.Body, &payload)
	return payload.AllComplete, nil
}

// BulkUploadVendors submits the officer's vendor CSV. The same client-side
// constraint discipline applies as for document uploads.
func (c *Client) BulkUploadVendors(ctx context.Context, f File) error {
	if err := VendorCSVConstraints.Check(f); err != nil {
		return err
	}
	body, contentType, err := multipartBody("csv_file", f, nil)
	if err != nil {
		return err
	}
	resp, err := c.gw.Do(ctx, gateway.Request{
		Method:      http.MethodPost,
		Path:        "vendors/bulk-upload/",
		Body:        body,
		ContentType: contentType,
	})
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return apiError(resp)
	}
	return nil
}

// Helpers -----------------------------------------------------------------

func (c *Client) getJSON(ctx context.Context, path string, out any, public bool) error {
	resp, err := c.gw.Do(ctx, gateway.Request{Method: http.MethodGet, Path: path, Public: public})
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return apiError(resp)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("remote: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in any, public bool) (*gateway.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("remote: encode %s: %w", path, err)
	}
	return c.gw.Do(ctx, gateway.Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        body,
		ContentType: "application/json",
		Public:      public,
	})
}

func multipartBody(fileField string, f File, fields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, f.Name))
	header.Set("Content-Type", f.MIME)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("remote: multipart: %w", err)
	}
	// LimitReader backstops a lying Size field; the declared size was already
	// checked against the constraints.
	if _, err := io.Copy(part, io.LimitReader(f.Content, f.Size)); err != nil {
		return nil, "", fmt.Errorf("remote: read file: %w", err)
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("remote: multipart field %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("remote: multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
