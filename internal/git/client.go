package git

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/retry"
	gogit "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// Repo identifies what to check out and how to reach it.
type Repo struct {
	URL   string
	Ref   string // full ref (refs/heads/main, refs/tags/1.2.0); empty means remote default
	SHA   string // exact commit for a detached checkout; empty means ref tip
	Depth int    // shallow clone depth; 0 clones full history
	Auth  *Auth
}

// Checkout reports the materialized state after a successful Sync.
type Checkout struct {
	Dir string
	SHA string
	Ref string
}

// Client performs checkouts for the engine. Transient transport failures
// are retried per the policy; auth and not-found failures return immediately.
type Client struct {
	logger *slog.Logger
	policy retry.Policy
}

// NewClient creates a checkout client.
func NewClient(logger *slog.Logger, policy retry.Policy) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger, policy: policy}
}

// Sync brings dir to the state the repo describes: a fresh clone when dir
// holds no repository, otherwise fetch plus forced checkout. The worktree
// ends up detached at repo.SHA when set, else at the ref tip.
func (c *Client) Sync(ctx context.Context, dir string, repo Repo) (Checkout, error) {
	var out Checkout
	err := c.withRetry(ctx, "sync", repo.URL, func() error {
		var err error
		out, err = c.syncOnce(ctx, dir, repo)
		return err
	})
	if err != nil {
		return Checkout{}, err
	}
	return out, nil
}

func (c *Client) syncOnce(ctx context.Context, dir string, repo Repo) (Checkout, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return c.refresh(ctx, dir, repo)
	}
	return c.clone(ctx, dir, repo)
}

func (c *Client) clone(ctx context.Context, dir string, repo Repo) (Checkout, error) {
	// A failed earlier attempt may have left a partial clone behind.
	if err := os.RemoveAll(dir); err != nil {
		return Checkout{}, errors.WrapError(err, errors.CategoryGit, "failed to clear clone target").
			WithContext(logfields.KeyPath, dir).Build()
	}

	auth, err := repo.Auth.method()
	if err != nil {
		return Checkout{}, err
	}

	opts := &gogit.CloneOptions{
		URL:  repo.URL,
		Auth: auth,
		Tags: gogit.NoTags,
	}
	if repo.Depth > 0 {
		opts.Depth = repo.Depth
	}
	// Branch and tag refs clone single-branch so only the triggering ref's
	// history arrives; the named tag still resolves via ReferenceName.
	if strings.HasPrefix(repo.Ref, "refs/heads/") || strings.HasPrefix(repo.Ref, "refs/tags/") {
		opts.ReferenceName = plumbing.ReferenceName(repo.Ref)
		opts.SingleBranch = true
	}

	c.logger.Debug("cloning repository",
		logfields.URL(repo.URL),
		logfields.Ref(repo.Ref),
		logfields.Path(dir))

	repository, err := gogit.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return Checkout{}, Classify(err, "clone", repo.URL)
	}
	return c.settle(repository, dir, repo)
}

func (c *Client) refresh(ctx context.Context, dir string, repo Repo) (Checkout, error) {
	repository, err := gogit.PlainOpen(dir)
	if err != nil {
		return Checkout{}, errors.WrapError(err, errors.CategoryGit, "failed to open existing clone").
			WithContext(logfields.KeyPath, dir).Build()
	}

	auth, err := repo.Auth.method()
	if err != nil {
		return Checkout{}, err
	}

	fetchOpts := &gogit.FetchOptions{
		RemoteName: "origin",
		Auth:       auth,
		RefSpecs: []gitcfg.RefSpec{
			"+refs/heads/*:refs/remotes/origin/*",
			"+refs/tags/*:refs/tags/*",
		},
	}
	if repo.Depth > 0 {
		fetchOpts.Depth = repo.Depth
	}

	c.logger.Debug("refreshing repository",
		logfields.URL(repo.URL),
		logfields.Ref(repo.Ref),
		logfields.Path(dir))

	if err := repository.FetchContext(ctx, fetchOpts); err != nil && err != gogit.NoErrAlreadyUpToDate {
		return Checkout{}, Classify(err, "fetch", repo.URL)
	}
	return c.settle(repository, dir, repo)
}

// settle resolves the target commit and forces the worktree onto it,
// detached. Forced checkout discards leftovers from earlier runs in
// persistent workspaces.
func (c *Client) settle(repository *gogit.Repository, dir string, repo Repo) (Checkout, error) {
	target, err := resolveTarget(repository, repo)
	if err != nil {
		return Checkout{}, err
	}

	wt, err := repository.Worktree()
	if err != nil {
		return Checkout{}, errors.WrapError(err, errors.CategoryGit, "failed to open worktree").
			WithContext(logfields.KeyPath, dir).Build()
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: target, Force: true}); err != nil {
		return Checkout{}, Classify(err, "checkout", repo.URL)
	}

	c.logger.Info("checked out repository",
		logfields.URL(repo.URL),
		logfields.Ref(repo.Ref),
		logfields.SHA(target.String()),
		logfields.Path(dir))

	return Checkout{Dir: dir, SHA: target.String(), Ref: repo.Ref}, nil
}

// resolveTarget picks the commit to check out: the explicit SHA when the
// event carries one, otherwise the tip of the requested ref.
func resolveTarget(repository *gogit.Repository, repo Repo) (plumbing.Hash, error) {
	if repo.SHA != "" {
		return plumbing.NewHash(repo.SHA), nil
	}
	if repo.Ref == "" {
		// Remote default branch when known, else whatever HEAD points at.
		if ref, err := repository.Reference("refs/remotes/origin/HEAD", true); err == nil {
			return ref.Hash(), nil
		}
		head, err := repository.Head()
		if err != nil {
			return plumbing.ZeroHash, Classify(err, "resolve", repo.URL)
		}
		return head.Hash(), nil
	}

	name := plumbing.ReferenceName(repo.Ref)
	// Fetch updates remote-tracking refs, not local branch heads, so the
	// origin ref is authoritative for branches.
	if name.IsBranch() {
		remote := plumbing.NewRemoteReferenceName("origin", name.Short())
		if ref, err := repository.Reference(remote, true); err == nil {
			return ref.Hash(), nil
		}
	}
	if ref, err := repository.Reference(name, true); err == nil {
		return ref.Hash(), nil
	}
	return plumbing.ZeroHash, errors.NotFoundError("ref not found in repository").
		WithContext(logfields.KeyRef, repo.Ref).
		WithContext(logfields.KeyURL, repo.URL).
		Build()
}
