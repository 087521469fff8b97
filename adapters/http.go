package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"simonair-gateway/application"
)

// RouterParams carries the handlers exposed over HTTP. The gateway is not
// the backend's API; these endpoints only surface health, the websocket
// broadcast rooms, and manual command triggers.
type RouterParams struct {
	Client   application.MQTTClient
	Hub      *Hub
	Commands *application.CommandService

	Log zerolog.Logger
}

func NewRouter(params RouterParams) *chi.Mux {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		health := params.Client.Health()

		code := http.StatusOK
		if !health.Connected {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	})

	r.Get("/ws", params.Hub.ServeWS)

	if params.Commands != nil {
		r.Post("/devices/{deviceID}/calibration", func(w http.ResponseWriter, req *http.Request) {
			deviceID := chi.URLParam(req, "deviceID")

			var body map[string]application.CalibrationParams
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil || len(body) != 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload must hold exactly one sensor type"})
				return
			}

			for sensorType, calibration := range body {
				outcome, err := params.Commands.SendCalibration(req.Context(), deviceID, sensorType, calibration)
				if err != nil {
					status := http.StatusInternalServerError
					if errors.Is(err, application.ErrUnknownSensorType) {
						status = http.StatusBadRequest
					}
					writeJSON(w, status, map[string]string{"error": err.Error()})
					return
				}
				writeJSON(w, http.StatusOK, outcome)
			}
		})

		r.Post("/devices/{deviceID}/thresholds", func(w http.ResponseWriter, req *http.Request) {
			deviceID := chi.URLParam(req, "deviceID")

			var body map[string]float64
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid threshold payload"})
				return
			}

			outcome, err := params.Commands.SendThresholds(req.Context(), deviceID, body)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, application.ErrInvalidThresholds) || errors.Is(err, application.ErrNoThresholdsMapped) {
					status = http.StatusBadRequest
				}
				writeJSON(w, status, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, outcome)
		})
	}

	return r
}

// RunHTTPServer serves the router until the context is cancelled.
func RunHTTPServer(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
