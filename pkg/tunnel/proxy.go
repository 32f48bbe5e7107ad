package tunnel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Route describes one reverse-proxy virtual host: TLS on the edge port,
// proxying to the loopback forward port with the agent's scheme.
type Route struct {
	EdgePort    int
	ForwardPort int
	Scheme      string
}

// ProxyRegistrar abstracts the reverse-proxy daemon whose virtual hosts are
// plain config files reloaded out of band. Routes are keyed by edge port,
// which is unique per active session.
type ProxyRegistrar interface {
	UpsertRoute(route Route) error
	RemoveRoute(edgePort int) error
	Lookup(edgePort int) (Route, bool, error)
	RemoveAll() error
	Reload() error
}

// FileRegistrar writes one vhost config file per route into a directory the
// proxy daemon includes, and reloads the daemon with a configured command.
type FileRegistrar struct {
	dir       string
	certFile  string
	keyFile   string
	reloadCmd []string
	sup       ProcessSupervisor
	log       zerolog.Logger
}

func NewFileRegistrar(dir, certFile, keyFile string, reloadCmd []string, sup ProcessSupervisor, logger zerolog.Logger) *FileRegistrar {
	return &FileRegistrar{
		dir:       dir,
		certFile:  certFile,
		keyFile:   keyFile,
		reloadCmd: reloadCmd,
		sup:       sup,
		log:       logger.With().Str("component", "proxy_registrar").Logger(),
	}
}

func (r *FileRegistrar) routePath(edgePort int) string {
	return filepath.Join(r.dir, fmt.Sprintf("tunnel-%d.conf", edgePort))
}

func (r *FileRegistrar) UpsertRoute(route Route) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	// The first line carries the route parameters so Lookup can compare a
	// live vhost against what the session expects.
	conf := fmt.Sprintf(`# edge=%d forward=%d scheme=%s
server {
    listen %d ssl;
    ssl_certificate %s;
    ssl_certificate_key %s;

    location / {
        proxy_pass %s://127.0.0.1:%d;
        proxy_ssl_verify off;
        proxy_set_header Host $host;
        proxy_set_header X-Forwarded-For $remote_addr;
        proxy_set_header X-Forwarded-Proto https;
    }
}
`, route.EdgePort, route.ForwardPort, route.Scheme,
		route.EdgePort, r.certFile, r.keyFile, route.Scheme, route.ForwardPort)

	tmp := r.routePath(route.EdgePort) + ".tmp"
	if err := os.WriteFile(tmp, []byte(conf), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.routePath(route.EdgePort))
}

func (r *FileRegistrar) RemoveRoute(edgePort int) error {
	err := os.Remove(r.routePath(edgePort))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (r *FileRegistrar) Lookup(edgePort int) (Route, bool, error) {
	data, err := os.ReadFile(r.routePath(edgePort))
	if os.IsNotExist(err) {
		return Route{}, false, nil
	}
	if err != nil {
		return Route{}, false, err
	}

	line, _, _ := strings.Cut(string(data), "\n")
	var route Route
	if _, err := fmt.Sscanf(line, "# edge=%d forward=%d scheme=%s",
		&route.EdgePort, &route.ForwardPort, &route.Scheme); err != nil {
		// Unparseable header: treat the vhost as stale so it gets
		// regenerated.
		return Route{}, false, nil
	}
	return route, true, nil
}

func (r *FileRegistrar) RemoveAll() error {
	matches, err := filepath.Glob(filepath.Join(r.dir, "tunnel-*.conf"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (r *FileRegistrar) Reload() error {
	if len(r.reloadCmd) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.sup.Run(ctx, r.reloadCmd[0], r.reloadCmd[1:]...); err != nil {
		return fmt.Errorf("proxy reload: %w", err)
	}
	return nil
}
