// Package auth obtains the GitHub access token used on every remote
// request: from the environment, from the cached token file, or through
// the browser OAuth flow.
package auth

import (
	"context"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/exec"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/config"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/logging"
)

const (
	// EnvToken overrides every other token source when set.
	EnvToken = "GITFS_TOKEN"

	scope = "repo"
)

// Token returns the access token for the session. Lookup order is the
// GITFS_TOKEN environment variable, the cached token file, then the OAuth
// flow, whose result is cached for later runs.
func Token(ctx context.Context, cfg *config.Config, log *logging.Logger) (string, error) {
	if log == nil {
		log = logging.Discard()
	}
	if token := strings.TrimSpace(os.Getenv(EnvToken)); token != "" {
		log.Debug("Using token from %s", EnvToken)
		return token, nil
	}

	flow, err := NewFlow(cfg.OAuth, WithLogger(log))
	if err != nil {
		return "", err
	}
	return flow.Token(ctx)
}

// Browser opens url for the user.
type Browser func(ctx context.Context, url string) error

// Option configures a Flow.
type Option func(*Flow)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(f *Flow) {
		if log != nil {
			f.log = log.WithPrefix("auth")
		}
	}
}

// WithEndpoints overrides the GitHub authorize and token exchange URLs.
func WithEndpoints(authorizeURL, tokenURL string) Option {
	return func(f *Flow) {
		f.endpoint = oauth2.Endpoint{
			AuthURL:   authorizeURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}
}

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Flow) {
		f.client = c
	}
}

// WithBrowser replaces the system browser launcher.
func WithBrowser(b Browser) Option {
	return func(f *Flow) {
		f.browser = b
	}
}

// Flow runs the OAuth web application flow against a local callback
// listener.
type Flow struct {
	oauth    config.OAuth
	store    *Store
	log      *logging.Logger
	endpoint oauth2.Endpoint
	client   *http.Client
	browser  Browser
}

// NewFlow creates a flow for the given OAuth settings.
func NewFlow(oauth config.OAuth, opts ...Option) (*Flow, error) {
	endpoint := github.Endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	f := &Flow{
		oauth:    oauth,
		log:      logging.Discard(),
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.browser == nil {
		f.browser = openBrowser
	}

	if oauth.ClientID == "" {
		return nil, errs.Invalid("oauth.client_id", "must not be empty")
	}
	if oauth.CallbackAddr == "" {
		return nil, errs.Invalid("oauth.callback_addr", "must not be empty")
	}

	store, err := NewStore(oauth.TokenPath, f.log)
	if err != nil {
		return nil, err
	}
	f.store = store
	return f, nil
}

// Token returns the cached token, running the browser flow when there is
// none.
func (f *Flow) Token(ctx context.Context) (string, error) {
	token, err := f.store.Load()
	if err != nil {
		return "", err
	}
	if token != "" {
		f.log.Debug("Using cached token from %s", f.store.Path())
		return token, nil
	}

	f.log.Info("No GitHub token found. Starting OAuth flow.")
	token, err = f.authorize(ctx)
	if err != nil {
		return "", err
	}
	if err := f.store.Save(token); err != nil {
		return "", err
	}
	return token, nil
}

// authorize serves the callback, sends the user to GitHub, waits for the
// redirect carrying the authorization code and exchanges it for a token.
func (f *Flow) authorize(ctx context.Context) (string, error) {
	state := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()

	ln, err := net.Listen("tcp", f.oauth.CallbackAddr)
	if err != nil {
		wrapped := errors.Wrap(err, errs.CodeTransport, "failed to start OAuth callback listener")
		return "", errors.WithContext(wrapped, "addr", f.oauth.CallbackAddr)
	}
	cfg := f.config("http://" + callbackHost(f.oauth.CallbackAddr, ln.Addr()))

	codes := make(chan string, 1)
	srv := &http.Server{
		Handler:           f.callbackRouter(state, codes),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			f.log.Error("OAuth callback listener failed: %v", serveErr)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	f.log.Info("Authorize gitfs in your browser: %s", authURL)
	go func() {
		if openErr := f.browser(ctx, authURL); openErr != nil {
			f.log.Warn("Unable to open web browser for OAuth exchange: %v", openErr)
		}
	}()

	var code string
	select {
	case code = <-codes:
		f.log.Debug("Received authorization code")
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), errs.CodeTimeout, "OAuth flow did not complete")
	}
	return f.exchange(ctx, cfg, code, verifier)
}

func (f *Flow) config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.oauth.ClientID,
		ClientSecret: f.oauth.ClientSecret,
		Endpoint:     f.endpoint,
		RedirectURL:  redirectURI,
		Scopes:       []string{scope},
	}
}

func (f *Flow) callbackRouter(state string, codes chan<- string) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", func(c *gin.Context) {
		if c.Query("state") != state {
			f.log.Warn("Rejected OAuth callback with unexpected state")
			c.String(http.StatusBadRequest, "Invalid OAuth state.")
			return
		}
		code := c.Query("code")
		if code == "" {
			c.String(http.StatusBadRequest, "Missing authorization code.")
			return
		}

		select {
		case codes <- code:
		default:
		}
		c.String(http.StatusOK, "You are now authenticated and can use gitfs.")
	})

	return r
}

// exchange trades the authorization code for an access token.
func (f *Flow) exchange(ctx context.Context, cfg *oauth2.Config, code, verifier string) (string, error) {
	token, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, f.client), code, oauth2.VerifierOption(verifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		switch {
		case ctx.Err() != nil:
			return "", errors.Wrap(err, errs.CodeTimeout, "token exchange did not complete")
		case errors.As(err, &retrieveErr):
			wrapped := errors.Wrap(err, errs.CodeUnauthorized, "token exchange rejected")
			wrapped = errors.WithContext(wrapped, "endpoint", f.endpoint.TokenURL)
			return "", errors.WithContext(wrapped, "error_code", retrieveErr.ErrorCode)
		default:
			wrapped := errors.Wrap(err, errs.CodeTransport, "token exchange failed")
			return "", errors.WithContext(wrapped, "endpoint", f.endpoint.TokenURL)
		}
	}
	if token.AccessToken == "" {
		return "", errors.New(errs.CodeUnauthorized, "token exchange returned no access token")
	}
	return token.AccessToken, nil
}

// callbackHost keeps the configured host name, which must match the
// registered redirect URI, and takes the port from the bound listener.
func callbackHost(configured string, bound net.Addr) string {
	host, _, err := net.SplitHostPort(configured)
	if err != nil || host == "" {
		return bound.String()
	}
	tcp, ok := bound.(*net.TCPAddr)
	if !ok {
		return configured
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}

func openBrowser(ctx context.Context, target string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", target}
	case "darwin":
		cmd = "open"
		args = []string{target}
	default: // linux, etc.
		cmd = "xdg-open"
		args = []string{target}
	}

	_, err := exec.New(exec.WithContext(ctx), exec.WithInheritEnv()).Run(append([]string{cmd}, args...)...)
	return err
}
