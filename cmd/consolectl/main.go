// consolectl drives the compliance-console client from the command line:
// staff authentication, the forced password-change flow, and vendor document
// uploads against public upload links.
package main

import (
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"compligate.org/internal/credstore"
	"compligate.org/internal/gateway"
	"compligate.org/internal/guard"
	"compligate.org/internal/obs"
	"compligate.org/internal/remote"
	"compligate.org/internal/session"
	"compligate.org/internal/uploadlink"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg := loadConfig()
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	store, err := credstore.OpenFile(cfg.GetString("credentials_file"))
	if err != nil {
		log.Fatalf("open credential store: %v", err)
	}
	gw, err := gateway.New(cfg.GetString("api_url"), store)
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}
	api := remote.NewClient(gw)
	sessions := session.NewManager(store, api)
	gw.SetInvalidateHook(sessions.HandleInvalidated)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetDuration("timeout"))
	defer cancel()

	switch os.Args[1] {
	case "login":
		requireArgs(4, "login <email> <password>")
		result, err := sessions.Login(ctx, os.Args[2], os.Args[3])
		if err != nil {
			log.Fatalf("login: %v", err)
		}
		if result.MustChangePassword {
			fmt.Println("password change required: run `consolectl change-password <current> <new>`")
			return
		}
		fmt.Printf("logged in as %s\n", result.Role)

	case "whoami":
		if err := sessions.Initialize(ctx); err != nil {
			log.Fatalf("session: %v", err)
		}
		sess := sessions.Snapshot()
		if !sess.Authenticated {
			fmt.Println("not logged in")
			return
		}
		fmt.Printf("%s <%s> role=%s", sess.Profile.FullName, sess.Profile.Email, sess.Role)
		if sess.OrganizationName != "" {
			fmt.Printf(" organization=%q", sess.OrganizationName)
		}
		fmt.Println()

	case "change-password":
		requireArgs(4, "change-password <current> <new>")
		if err := sessions.Initialize(ctx); err != nil {
			log.Fatalf("session: %v", err)
		}
		gate := guard.NewGate(sessions, api, store)
		next, err := gate.ChangePassword(ctx, os.Args[2], os.Args[3])
		if err != nil {
			log.Fatalf("change password: %v", err)
		}
		fmt.Printf("password changed; continue at %s\n", next)

	case "forgot-password":
		requireArgs(3, "forgot-password <email>")
		_ = api.ForgotPassword(ctx, os.Args[2])
		fmt.Println("if the address exists, a reset email has been sent")

	case "resolve":
		requireArgs(3, "resolve <token>")
		link := uploadlink.New(api, os.Args[2])
		if err := link.Resolve(ctx); err != nil {
			log.Fatalf("resolve: %s", link.LastError())
		}
		if link.State() == uploadlink.StateCompleted {
			fmt.Println("all documents already uploaded")
			return
		}
		fmt.Printf("vendor: %s\n", link.VendorName())
		for _, doc := range link.Pending() {
			fmt.Printf("  pending %s  %s\n", doc.ID, doc.DocumentType)
		}

	case "upload":
		requireArgs(5, "upload <token> <document-id> <file> [expiry YYYY-MM-DD]")
		var expiry *time.Time
		if len(os.Args) > 5 {
			parsed, err := time.Parse("2006-01-02", os.Args[5])
			if err != nil {
				log.Fatalf("expiry date: %v", err)
			}
			expiry = &parsed
		}
		link := uploadlink.New(api, os.Args[2])
		if err := link.Resolve(ctx); err != nil {
			log.Fatalf("resolve: %s", link.LastError())
		}
		file, err := openUploadFile(os.Args[4])
		if err != nil {
			log.Fatalf("open file: %v", err)
		}
		if err := link.Upload(ctx, os.Args[3], expiry, file); err != nil {
			log.Fatalf("upload: %v", err)
		}
		if link.State() == uploadlink.StateCompleted {
			fmt.Println("all documents uploaded, link is spent")
		} else {
			fmt.Printf("uploaded; %d document(s) still pending\n", len(link.Pending()))
		}

	case "logout":
		sessions.Logout()
		fmt.Println("logged out")

	default:
		usage()
		os.Exit(2)
	}
}

func loadConfig() *viper.Viper {
	cfg := viper.New()
	cfg.SetDefault("api_url", "http://127.0.0.1:8000")
	cfg.SetDefault("timeout", 15*time.Second)
	if dir, err := os.UserConfigDir(); err == nil {
		cfg.SetDefault("credentials_file", filepath.Join(dir, "compligate", "credentials.json"))
		cfg.AddConfigPath(filepath.Join(dir, "compligate"))
	}
	cfg.SetConfigName("consolectl")
	cfg.SetEnvPrefix("COMPLIGATE")
	cfg.AutomaticEnv()
	_ = cfg.ReadInConfig() // config file is optional
	return cfg
}

func openUploadFile(path string) (remote.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return remote.File{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return remote.File{}, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return remote.File{
		Name:    filepath.Base(path),
		MIME:    mimeType,
		Size:    info.Size(),
		Content: f,
	}, nil
}

func requireArgs(n int, form string) {
	if len(os.Args) < n {
		log.Fatalf("usage: consolectl %s", form)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: consolectl <command>

commands:
  login <email> <password>
  whoami
  change-password <current> <new>
  forgot-password <email>
  resolve <token>
  upload <token> <document-id> <file> [expiry YYYY-MM-DD]
  logout

environment:
  COMPLIGATE_API_URL           API origin (default http://127.0.0.1:8000)
  COMPLIGATE_CREDENTIALS_FILE  credential store location
  COMPLIGATE_TIMEOUT           per-command timeout (default 15s)`)
}
