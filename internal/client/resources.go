package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/ssh"
)

// CreateInstanceRequest is the body of POST /instances.
type CreateInstanceRequest struct {
	LocationSlug string `json:"location_slug"`
	PlanSlug     string `json:"plan_slug"`
	Hostname     string `json:"hostname"`
	Label        string `json:"label,omitempty"`
	ImageSlug    string `json:"image_slug"`
	Password     string `json:"password"`
	SSHKeys      []int  `json:"ssh_keys,omitempty"`
}

// Validate reports the first missing required field.
func (r *CreateInstanceRequest) Validate() error {
	const op = "create instance"
	switch {
	case r == nil:
		return missing(op, "request")
	case strings.TrimSpace(r.LocationSlug) == "":
		return missing(op, "location_slug")
	case strings.TrimSpace(r.PlanSlug) == "":
		return missing(op, "plan_slug")
	case strings.TrimSpace(r.Hostname) == "":
		return missing(op, "hostname")
	case strings.TrimSpace(r.ImageSlug) == "":
		return missing(op, "image_slug")
	case r.Password == "":
		return missing(op, "password")
	}
	return nil
}

// CreateSSHKeyRequest is the body of POST /ssh-keys.
type CreateSSHKeyRequest struct {
	Title string `json:"title"`
	Key   string `json:"key"`
}

// ErrInvalidSSHKey is returned when a public key does not parse in
// authorized_keys format.
var ErrInvalidSSHKey = errors.New("invalid ssh public key")

// Validate checks both fields and that Key parses as an OpenSSH public key.
func (r *CreateSSHKeyRequest) Validate() error {
	const op = "create ssh key"
	if strings.TrimSpace(r.Title) == "" {
		return missing(op, "title")
	}
	if strings.TrimSpace(r.Key) == "" {
		return missing(op, "key")
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(r.Key)); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrInvalidSSHKey, err)
	}
	return nil
}

// resourcePath escapes id and joins it and sub onto base; an empty id is a
// MissingFieldError for op.
func resourcePath(op, base string, id string, sub ...string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", missing(op, "id")
	}
	p := base + "/" + url.PathEscape(id)
	for _, s := range sub {
		p += "/" + s
	}
	return p, nil
}

func (s *Session) onResource(ctx context.Context, op, method, base, id string, body any, sub ...string) (*Response, error) {
	p, err := resourcePath(op, base, id, sub...)
	if err != nil {
		return nil, err
	}
	return s.forward(ctx, method, p, body)
}

func (s *Session) forward(ctx context.Context, method, path string, body any) (*Response, error) {
	return s.Do(ctx, method, s.apiPrefix+path, body)
}

// Instances.

func (s *Session) ListInstances(ctx context.Context) (*Response, error) {
	return s.forward(ctx, http.MethodGet, "/instances", nil)
}

func (s *Session) GetInstance(ctx context.Context, id string) (*Response, error) {
	return s.onResource(ctx, "get instance", http.MethodGet, "/instances", id, nil)
}

// CreateInstance validates req before anything is sent.
func (s *Session) CreateInstance(ctx context.Context, req *CreateInstanceRequest) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.forward(ctx, http.MethodPost, "/instances", req)
}

func (s *Session) DeleteInstance(ctx context.Context, id string) (*Response, error) {
	return s.onResource(ctx, "delete instance", http.MethodDelete, "/instances", id, nil)
}

func (s *Session) PowerOnInstance(ctx context.Context, id string) (*Response, error) {
	return s.onResource(ctx, "power on instance", http.MethodPost, "/instances", id, nil, "power-on")
}

func (s *Session) PowerOffInstance(ctx context.Context, id string) (*Response, error) {
	return s.onResource(ctx, "power off instance", http.MethodPost, "/instances", id, nil, "power-off")
}

func (s *Session) RebootInstance(ctx context.Context, id string) (*Response, error) {
	return s.onResource(ctx, "reboot instance", http.MethodPost, "/instances", id, nil, "reboot")
}

func (s *Session) ShutdownInstance(ctx context.Context, id string) (*Response, error) {
	return s.onResource(ctx, "shutdown instance", http.MethodPost, "/instances", id, nil, "shutdown")
}

// ChangePlan moves an instance to planSlug.
func (s *Session) ChangePlan(ctx context.Context, id, planSlug string) (*Response, error) {
	if strings.TrimSpace(planSlug) == "" {
		return nil, missing("change plan", "plan_slug")
	}
	return s.onResource(ctx, "change plan", http.MethodPut, "/instances", id,
		map[string]string{"plan_slug": planSlug}, "change-plan")
}

// ResetPassword sets a new root password on an instance.
func (s *Session) ResetPassword(ctx context.Context, id, password string) (*Response, error) {
	if password == "" {
		return nil, missing("reset password", "password")
	}
	return s.onResource(ctx, "reset password", http.MethodPut, "/instances", id,
		map[string]string{"password": password}, "reset-password")
}

// Snapshots.

func (s *Session) ListSnapshots(ctx context.Context) (*Response, error) {
	return s.forward(ctx, http.MethodGet, "/snapshots", nil)
}

// CreateSnapshot snapshots an instance. label may be empty.
func (s *Session) CreateSnapshot(ctx context.Context, instanceID, label string) (*Response, error) {
	var body any
	if label != "" {
		body = map[string]string{"label": label}
	}
	return s.onResource(ctx, "create snapshot", http.MethodPost, "/instances", instanceID, body, "snapshots")
}

func (s *Session) RestoreSnapshot(ctx context.Context, snapshotID string) (*Response, error) {
	return s.onResource(ctx, "restore snapshot", http.MethodPost, "/snapshots", snapshotID, nil, "restore")
}

func (s *Session) DeleteSnapshot(ctx context.Context, snapshotID string) (*Response, error) {
	return s.onResource(ctx, "delete snapshot", http.MethodDelete, "/snapshots", snapshotID, nil)
}

// Catalog.

func (s *Session) ListPlans(ctx context.Context) (*Response, error) {
	return s.forward(ctx, http.MethodGet, "/plans", nil)
}

func (s *Session) ListImages(ctx context.Context) (*Response, error) {
	return s.forward(ctx, http.MethodGet, "/images", nil)
}

func (s *Session) ListLocations(ctx context.Context) (*Response, error) {
	return s.forward(ctx, http.MethodGet, "/locations", nil)
}

// SSH keys.

func (s *Session) ListSSHKeys(ctx context.Context) (*Response, error) {
	return s.forward(ctx, http.MethodGet, "/ssh-keys", nil)
}

// CreateSSHKey uploads an OpenSSH public key. The key is parsed locally
// first so a malformed key never reaches the network.
func (s *Session) CreateSSHKey(ctx context.Context, title, publicKey string) (*Response, error) {
	req := &CreateSSHKeyRequest{Title: title, Key: strings.TrimSpace(publicKey)}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.forward(ctx, http.MethodPost, "/ssh-keys", req)
}

func (s *Session) DeleteSSHKey(ctx context.Context, id string) (*Response, error) {
	return s.onResource(ctx, "delete ssh key", http.MethodDelete, "/ssh-keys", id, nil)
}

// Account.

func (s *Session) GetAccount(ctx context.Context) (*Response, error) {
	return s.forward(ctx, http.MethodGet, "/account", nil)
}
