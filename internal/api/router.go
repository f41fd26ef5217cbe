package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health)

	mux.HandleFunc("GET /api/reminders", h.ListReminders)
	mux.HandleFunc("POST /api/reminders", h.CreateReminder)
	mux.HandleFunc("GET /api/reminders/{id}", h.GetReminder)
	mux.HandleFunc("PUT /api/reminders/{id}", h.UpdateReminder)
	mux.HandleFunc("DELETE /api/reminders/{id}", h.DeleteReminder)

	mux.HandleFunc("GET /api/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /api/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /api/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("callreminder"))
	})

	return mux
}
