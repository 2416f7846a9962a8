package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterCommandRoutes 注册命令下发路由
// POST /device-commands/{device_id}/{action}
func (r *Router) RegisterCommandRoutes(h *CommandHandler) {
	r.Handle("/device-commands/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, "/device-commands/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Dispatch(w, req, parts[0], parts[1])
	})

	// POST /payments/{charge_id}/status
	r.Handle("/payments/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, "/payments/")
		chargeID := strings.TrimSuffix(rest, "/status")
		if chargeID == "" || chargeID == rest || strings.Contains(chargeID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.PaymentStatus(w, req, chargeID)
	})
}

// RegisterTelemetryRoutes 注册遥测查询路由
func (r *Router) RegisterTelemetryRoutes(h *TelemetryHandler) {
	r.Handle("/telemetry/stats", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.GetStats(w, req)
	})

	// GET /devices/{device_id}/state
	r.Handle("/devices/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, "/devices/")
		deviceID := strings.TrimSuffix(rest, "/state")
		if deviceID == "" || deviceID == rest || strings.Contains(deviceID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetDeviceState(w, req, deviceID)
	})

	r.Handle("/mqtt/status", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.GetMQTTStatus(w, req)
	})
}

// RegisterHealthRoutes 注册健康检查路由
func (r *Router) RegisterHealthRoutes() {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
