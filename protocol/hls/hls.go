package hls

import (
	"fmt"
	"html"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const (
	playlistCacheTTL = time.Second
)

var (
	ErrInvalidReq     = fmt.Errorf("invalid req url path")
	ErrUnsupportedExt = fmt.Errorf("unsupported file extension")
)

var crossdomainxml = []byte(`<?xml version="1.0" ?>
<cross-domain-policy>
	<allow-access-from domain="*" />
	<allow-http-request-headers-from domain="*" headers="*"/>
</cross-domain-policy>`)

var contentTypes = map[string]string{
	".m3u8": "application/x-mpegURL",
	".ts":   "video/mp2ts",
	".mp4":  "video/mp4",
	".m4s":  "video/iso.segment",
	".key":  "application/octet-stream",
}

// tried in order for requests without an extension
var extensions = []string{".m3u8", ".ts", ".mp4", ".key"}

// Server serves segmented media from a directory, one sub directory per
// stream: <root>/stream1/stream1.m3u8 is served at /stream1/stream1.m3u8.
// Every response allows any origin.
type Server struct {
	listener  net.Listener
	root      string
	playlists *cache.Cache
}

func NewServer(root string) *Server {
	return &Server{
		root:      root,
		playlists: cache.New(playlistCacheTTL, 10*playlistCacheTTL),
	}
}

func (server *Server) Root() string {
	return server.root
}

func (server *Server) Serve(listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/", server)
	server.listener = listener
	return http.Serve(listener, logRequests(mux))
}

func (server *Server) Close() error {
	if server.listener == nil {
		return nil
	}
	return server.listener.Close()
}

func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	server.handle(w, r)
}

// 모든 응답에 CORS 헤더를 붙인다.
func (server *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	switch r.Method {
	case http.MethodOptions: // 프리플라이트 요청
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path == "/" {
		server.index(w)
		return
	}
	if path.Base(r.URL.Path) == "crossdomain.xml" {
		w.Header().Set("Content-Type", "application/xml")
		w.Write(crossdomainxml)
		return
	}

	name, err := server.resolve(r.URL.Path)
	if err != nil {
		log.Debug("resolve error: ", err)
		http.NotFound(w, r)
		return
	}

	if path.Ext(name) == ".m3u8" {
		server.servePlaylist(w, r, name)
		return
	}

	f, err := os.Open(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypes[path.Ext(name)])
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

// 플레이리스트는 잠시 go-cache 에 보관한다.
func (server *Server) servePlaylist(w http.ResponseWriter, r *http.Request, name string) {
	var body []byte
	if v, ok := server.playlists.Get(name); ok {
		body = v.([]byte)
	} else {
		b, err := os.ReadFile(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		body = b
		server.playlists.SetDefault(name, body)
	}

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", contentTypes[".m3u8"])
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if r.Method == http.MethodHead {
		return
	}
	w.Write(body)
}

func (server *Server) index(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<h3>HLS server running</h3><p>Serving files from: %s</p>", html.EscapeString(server.root))
}

// resolve maps a request path to a file under root. Requests without an
// extension try each known extension in turn.
func (server *Server) resolve(urlPath string) (string, error) {
	// 상위 디렉터리 접근 차단
	if strings.Contains(urlPath, "..") {
		return "", ErrInvalidReq
	}
	clean := path.Clean("/" + urlPath)
	name := filepath.Join(server.root, filepath.FromSlash(clean))

	ext := path.Ext(clean)
	if ext != "" {
		if _, ok := contentTypes[ext]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedExt, ext)
		}
		if isFile(name) {
			return name, nil
		}
		return "", os.ErrNotExist
	}

	for _, e := range extensions {
		if isFile(name + e) {
			return name + e, nil
		}
	}
	return "", os.ErrNotExist
}

func isFile(name string) bool {
	fi, err := os.Stat(name)
	return err == nil && fi.Mode().IsRegular()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Debugf("%s %s %d %v", r.Method, r.URL.Path, sw.status, time.Since(begin))
	})
}
