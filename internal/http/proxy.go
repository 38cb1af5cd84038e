package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santeplus/medportal/internal/httpclient"
)

// DefaultOrthancPrefix is the backend path the imaging proxy forwards to.
// {hospital} is replaced with the signed-in user's hospital id.
const DefaultOrthancPrefix = "/api/medical/hopitaux/{hospital}/orthanc"

// OrthancProxyConfig configures NewOrthancProxy.
type OrthancProxyConfig struct {
	// BackendURL is the backend origin.
	BackendURL string
	Prefix     string
	// Transport is the bearer transport shared with the backend client.
	Transport http.RoundTripper
	Timeout   time.Duration
	Logger    *slog.Logger
}

// OrthancProxy forwards /api/orthanc/{path...} to the hospital's imaging
// endpoint on the backend. The browser's cookies and any Authorization
// header it sent are stripped; the transport adds the session's token.
type OrthancProxy struct {
	base    *url.URL
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	rp      *httputil.ReverseProxy
}

type proxyTargetKey struct{}

// NewOrthancProxy validates cfg and builds the proxy.
func NewOrthancProxy(cfg OrthancProxyConfig) (*OrthancProxy, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BackendURL, "/"))
	if err != nil || base.Host == "" {
		return nil, errors.New("imaging proxy requires an absolute backend URL")
	}
	if cfg.Transport == nil {
		return nil, errors.New("imaging proxy requires a transport")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultOrthancPrefix
	}
	if !strings.Contains(prefix, "{hospital}") {
		return nil, errors.New("imaging proxy prefix must contain {hospital}")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &OrthancProxy{
		base:    base,
		prefix:  "/" + strings.Trim(prefix, "/"),
		timeout: cfg.Timeout,
		logger:  logger.With("component", "orthanc_proxy"),
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite:      p.rewrite,
		Transport:    cfg.Transport,
		ErrorHandler: p.proxyError,
	}
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *OrthancProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		WriteError(w, ErrorParams{
			Code:    http.StatusMethodNotAllowed,
			ErrCode: "method_not_allowed",
			Err:     errors.New("imaging proxy accepts GET and POST only"),
		})
		return
	}
	sess, ok := GetSessionFromContext(r.Context())
	if !ok || hospitalOf(sess) == 0 {
		WriteError(w, ErrorParams{
			Code:    http.StatusForbidden,
			ErrCode: "no_hospital",
			Err:     errors.New("no hospital is associated with this session"),
		})
		return
	}
	target, ok := p.targetPath(hospitalOf(sess), r.PathValue("path"))
	if !ok {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_path",
			Err:     errors.New("invalid imaging path"),
		})
		return
	}

	ctx := context.WithValue(r.Context(), proxyTargetKey{}, target)
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	p.rp.ServeHTTP(w, r.WithContext(ctx))
}

// targetPath rejects dot segments so a crafted path cannot climb out of
// the imaging prefix.
func (p *OrthancProxy) targetPath(hospitalID int64, rest string) (string, bool) {
	for _, seg := range strings.Split(rest, "/") {
		if seg == ".." || seg == "." {
			return "", false
		}
	}
	prefix := strings.ReplaceAll(p.prefix, "{hospital}", strconv.FormatInt(hospitalID, 10))
	path := p.base.Path + prefix
	if rest != "" {
		path += "/" + strings.TrimPrefix(rest, "/")
	}
	return path, true
}

func (p *OrthancProxy) rewrite(pr *httputil.ProxyRequest) {
	target, _ := pr.In.Context().Value(proxyTargetKey{}).(string)
	pr.Out.URL.Scheme = p.base.Scheme
	pr.Out.URL.Host = p.base.Host
	pr.Out.URL.Path = target
	pr.Out.URL.RawPath = ""
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery
	pr.Out.Host = p.base.Host
	pr.Out.Header.Del("Cookie")
	pr.Out.Header.Del("Authorization")
	pr.Out.Header.Del(DefaultCSRFHeaderName)
	pr.SetXForwarded()
}

func (p *OrthancProxy) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	key, _ := httpclient.ContextKeyFrom(r.Context())
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	p.logger.WarnContext(r.Context(), "imaging proxy request failed",
		slog.String("ctx_key", key),
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
	WriteError(w, ErrorParams{
		Code:    status,
		ErrCode: "imaging_unavailable",
		Err:     errors.New("imaging server unavailable"),
	})
}
