package banner

import (
	"fmt"

	"lingodesk/pkg/config"
)

const banner = `
██╗     ██╗███╗   ██╗ ██████╗  ██████╗ ██████╗ ███████╗███████╗██╗  ██╗
██║     ██║████╗  ██║██╔════╝ ██╔═══██╗██╔══██╗██╔════╝██╔════╝██║ ██╔╝
██║     ██║██╔██╗ ██║██║  ███╗██║   ██║██║  ██║█████╗  ███████╗█████╔╝
██║     ██║██║╚██╗██║██║   ██║██║   ██║██║  ██║██╔══╝  ╚════██║██╔═██╗
███████╗██║██║ ╚████║╚██████╔╝╚██████╔╝██████╔╝███████╗███████║██║  ██╗
╚══════╝╚═╝╚═╝  ╚═══╝ ╚═════╝  ╚═════╝ ╚═════╝ ╚══════╝╚══════╝╚═╝  ╚═╝
`

// Print dumps the effective runtime setup and the local endpoints. It runs
// once at startup, after config resolution, before the listener starts.
func Print(cfg *config.Config, source, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", cfg.Addr())
	fmt.Printf("Backend:  %s\n", orUnset(cfg.Backend.BaseURL))
	fmt.Printf("Realtime: %s\n", orDisabled(cfg.Backend.WSURL))
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if source != "" {
		fmt.Printf("Config:   %s\n", source)
	}

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET    /v1/conversations?search=&source=&status=&sort=&dir=&page= - projected list")
	fmt.Println("GET    /v1/conversations/{id}          - one record with messages")
	fmt.Println("POST   /v1/conversations/{id}/convert  - convert contact to client thread")
	fmt.Println("POST   /v1/conversations/{id}/archive  - archive")
	fmt.Println("POST   /v1/conversations/{id}/reply    - reply in thread (JSON: body)")
	fmt.Println("DELETE /v1/conversations/{id}          - delete")
	fmt.Println("POST   /v1/threads                     - start a thread (JSON: name, email, subject, body)")
	fmt.Println("GET    /v1/notifications               - current toast, if any")
	fmt.Println("GET    /metrics                        - Prometheus metrics")
	fmt.Println("GET    /docs/                          - API docs")

	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl 'http://%s/v1/conversations?status=new&sort=updated'\n", cfg.Addr())
	fmt.Printf("curl -X POST 'http://%s/v1/conversations/<id>/convert'\n", cfg.Addr())

	fmt.Println("\n== Checks =====================================================")
	if cfg.Backend.Token != "" {
		fmt.Println("- Backend token: set")
	} else {
		fmt.Println("- Backend token: MISSING (set LINGODESK_BACKEND_TOKEN)")
	}
	if cfg.Backend.WSURL != "" {
		fmt.Println("- Realtime channel: enabled")
	} else {
		fmt.Println("- Realtime channel: disabled (REST resync only)")
	}
	if cfg.Sync.ResyncCron != "" {
		fmt.Printf("- Resync: enabled (cron=%s)\n", cfg.Sync.ResyncCron)
	} else {
		fmt.Println("- Resync: disabled")
	}
	if cfg.Journal.Enabled {
		fmt.Printf("- Journal: enabled (%s)\n", cfg.Journal.Path)
	} else {
		fmt.Println("- Journal: disabled")
	}

	fmt.Println("\n== Logs: =================================================")
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
