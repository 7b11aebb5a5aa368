package git

import (
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// Auth carries repository credentials from project config. The zero value
// (or a nil pointer) means anonymous access.
type Auth struct {
	Type       string // none, token, basic, ssh
	Token      string
	Username   string
	Password   string
	KeyPath    string
	Passphrase string
}

// method translates config credentials into a go-git transport auth method.
func (a *Auth) method() (transport.AuthMethod, error) {
	if a == nil {
		return nil, nil
	}
	switch a.Type {
	case "", "none":
		return nil, nil

	case "token":
		if a.Token == "" {
			return nil, errors.ConfigError("token auth requires a token").Build()
		}
		// Gitea, Forgejo, and GitHub all accept "token" as the basic-auth username.
		return &http.BasicAuth{Username: "token", Password: a.Token}, nil

	case "basic":
		if a.Username == "" || a.Password == "" {
			return nil, errors.ConfigError("basic auth requires username and password").Build()
		}
		return &http.BasicAuth{Username: a.Username, Password: a.Password}, nil

	case "ssh":
		keyPath := a.KeyPath
		if keyPath == "" {
			keyPath = filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa")
		}
		keys, err := ssh.NewPublicKeysFromFile("git", keyPath, a.Passphrase)
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryConfig, "failed to load SSH key").
				WithContext("key_path", keyPath).Build()
		}
		return keys, nil

	default:
		return nil, errors.ConfigError("unsupported auth type").
			WithContext("auth_type", a.Type).Build()
	}
}
