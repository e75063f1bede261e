package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
	infrahttp "viralink-backend/internal/infra/http"
	"viralink-backend/internal/usecase/agents"
	"viralink-backend/internal/usecase/credits"
	"viralink-backend/internal/usecase/jobs"
	"viralink-backend/internal/usecase/publish"
)

// Handlers — HTTP API для мини-приложения.
type Handlers struct {
	log       zerolog.Logger
	agentsUC  *agents.Service
	jobsUC    *jobs.Service
	creditsUC *credits.Service
	publishUC *publish.Service
}

// NewHandlers создаёт обработчики API.
func NewHandlers(log zerolog.Logger, agentsUC *agents.Service, jobsUC *jobs.Service, creditsUC *credits.Service, publishUC *publish.Service) *Handlers {
	return &Handlers{
		log:       log,
		agentsUC:  agentsUC,
		jobsUC:    jobsUC,
		creditsUC: creditsUC,
		publishUC: publishUC,
	}
}

// Mount вешает маршруты API на роутер. botToken нужен для проверки initData.
func (h *Handlers) Mount(r chi.Router, botToken string) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(infrahttp.WebAppAuthMiddleware(botToken))

		r.Route("/agents", func(r chi.Router) {
			r.Post("/", h.createAgent)
			r.Get("/", h.listAgents)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.getAgent)
				r.Delete("/", h.deleteAgent)
				r.Post("/bot", h.attachBot)
				r.Post("/check", h.checkAgent)
				r.Patch("/profile", h.updateProfile)
				r.Post("/activate", h.activateAgent)
				r.Post("/disable", h.disableAgent)
				r.Post("/jobs", h.createJob)
				r.Get("/jobs", h.listJobs)
			})
		})

		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Post("/publish", h.publishJob)
		})

		r.Route("/credits", func(r chi.Router) {
			r.Get("/balance", h.balance)
			r.Post("/purchases", h.createPurchase)
			r.Post("/purchases/{purchaseID}/confirm", h.confirmPurchase)
		})
	})
}

type agentResponse struct {
	ID              uuid.UUID              `json:"id"`
	ChannelHandle   string                 `json:"channel_handle"`
	ChannelID       int64                  `json:"channel_id"`
	ChannelMeta     domain.ChannelMetadata `json:"channel_meta"`
	Profile         domain.ChannelProfile  `json:"profile"`
	Status          domain.AgentStatus     `json:"status"`
	StatusChangedAt time.Time              `json:"status_changed_at"`
	StatusError     *domain.StatusError    `json:"status_error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

func toAgentResponse(agent domain.Agent) agentResponse {
	return agentResponse{
		ID:              agent.ID,
		ChannelHandle:   agent.ChannelHandle,
		ChannelID:       agent.ChannelID,
		ChannelMeta:     agent.ChannelMeta,
		Profile:         agent.Profile,
		Status:          agent.Status,
		StatusChangedAt: agent.StatusChangedAt,
		StatusError:     agent.StatusError,
		CreatedAt:       agent.CreatedAt,
	}
}

type jobResponse struct {
	ID          uuid.UUID               `json:"id"`
	AgentID     uuid.UUID               `json:"agent_id"`
	Type        domain.AgentJobType     `json:"type"`
	Status      domain.AgentJobStatus   `json:"status"`
	Data        string                  `json:"data,omitempty"`
	Metadata    domain.AgentJobMetadata `json:"metadata"`
	StatusError *domain.StatusError     `json:"status_error,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

func toJobResponse(job domain.AgentJob) jobResponse {
	return jobResponse{
		ID:          job.ID,
		AgentID:     job.AgentID,
		Type:        job.Type,
		Status:      job.Status,
		Data:        job.Data,
		Metadata:    job.Metadata,
		StatusError: job.StatusError,
		CreatedAt:   job.CreatedAt,
	}
}

func (h *Handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	tgUserID, ok := infrahttp.TGUserID(r)
	if !ok {
		infrahttp.WriteError(w, http.StatusUnauthorized, errors.New("нет авторизации"))
		return
	}
	var req struct {
		ChannelHandle string `json:"channel_handle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, errors.New("некорректный JSON"))
		return
	}
	agent, err := h.agentsUC.Create(r.Context(), tgUserID, req.ChannelHandle)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusCreated, toAgentResponse(agent))
}

func (h *Handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	list, err := h.agentsUC.List(r.Context(), tgUserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]agentResponse, 0, len(list))
	for _, agent := range list {
		out = append(out, toAgentResponse(agent))
	}
	infrahttp.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	agentID, err := pathUUID(r, "agentID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	agent, err := h.agentsUC.Get(r.Context(), tgUserID, agentID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusOK, toAgentResponse(agent))
}

func (h *Handlers) attachBot(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	agentID, err := pathUUID(r, "agentID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		BotToken string `json:"bot_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, errors.New("некорректный JSON"))
		return
	}
	agent, err := h.agentsUC.AttachBot(r.Context(), tgUserID, agentID, req.BotToken)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusOK, toAgentResponse(agent))
}

func (h *Handlers) checkAgent(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	agentID, err := pathUUID(r, "agentID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	agent, err := h.agentsUC.CheckBotPermissions(r.Context(), tgUserID, agentID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusOK, toAgentResponse(agent))
}

func (h *Handlers) updateProfile(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	agentID, err := pathUUID(r, "agentID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		ContentDescription *string `json:"content_description"`
		PersonaDescription *string `json:"persona_description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, errors.New("некорректный JSON"))
		return
	}
	agent, err := h.agentsUC.UpdateChannelProfile(r.Context(), tgUserID, agentID, req.ContentDescription, req.PersonaDescription)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusOK, toAgentResponse(agent))
}

func (h *Handlers) activateAgent(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	agentID, err := pathUUID(r, "agentID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	agent, err := h.agentsUC.Activate(r.Context(), tgUserID, agentID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusOK, toAgentResponse(agent))
}

func (h *Handlers) disableAgent(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	agentID, err := pathUUID(r, "agentID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	agent, err := h.agentsUC.Disable(r.Context(), tgUserID, agentID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusOK, toAgentResponse(agent))
}

func (h *Handlers) deleteAgent(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	agentID, err := pathUUID(r, "agentID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.agentsUC.Delete(r.Context(), tgUserID, agentID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) createJob(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	agentID, err := pathUUID(r, "agentID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Type            domain.AgentJobType `json:"type"`
		UserPrompt      string              `json:"user_prompt"`
		OriginalMessage string              `json:"original_message"`
		PhotoFileID     string              `json:"photo_file_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, errors.New("некорректный JSON"))
		return
	}
	meta := domain.AgentJobMetadata{
		UserPrompt:      req.UserPrompt,
		FromChatID:      tgUserID,
		OriginalMessage: req.OriginalMessage,
		PhotoFileID:     req.PhotoFileID,
	}
	job, err := h.jobsUC.Create(r.Context(), tgUserID, agentID, req.Type, meta)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusCreated, toJobResponse(job))
}

func (h *Handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	agentID, err := pathUUID(r, "agentID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	list, err := h.jobsUC.ListByAgent(r.Context(), tgUserID, agentID, limit, offset)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(list))
	for _, job := range list {
		out = append(out, toJobResponse(job))
	}
	infrahttp.WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) getJob(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	jobID, err := pathUUID(r, "jobID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	job, err := h.jobsUC.Get(r.Context(), tgUserID, jobID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handlers) publishJob(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	jobID, err := pathUUID(r, "jobID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.publishUC.Confirm(r.Context(), tgUserID, jobID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusOK, map[string]bool{"published": true})
}

func (h *Handlers) balance(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	balance, err := h.creditsUC.Balance(r.Context(), tgUserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (h *Handlers) createPurchase(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	var req struct {
		Package string `json:"package"`
		Credits int64  `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, errors.New("некорректный JSON"))
		return
	}
	if req.Package == "" || req.Credits <= 0 {
		infrahttp.WriteError(w, http.StatusBadRequest, errors.New("package и credits обязательны"))
		return
	}
	purchase, err := h.creditsUC.BookPurchase(r.Context(), tgUserID, req.Package, req.Credits)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusCreated, purchase)
}

func (h *Handlers) confirmPurchase(w http.ResponseWriter, r *http.Request) {
	tgUserID, _ := infrahttp.TGUserID(r)
	purchaseID, err := pathUUID(r, "purchaseID")
	if err != nil {
		infrahttp.WriteError(w, http.StatusBadRequest, err)
		return
	}
	purchase, err := h.creditsUC.ConfirmPurchase(r.Context(), tgUserID, purchaseID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	infrahttp.WriteJSON(w, http.StatusOK, purchase)
}

func pathUUID(r *http.Request, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		return uuid.Nil, errors.New("некорректный идентификатор")
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// writeDomainError сводит доменные ошибки к HTTP-статусам.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		infrahttp.WriteJSON(w, http.StatusUnprocessableEntity, infrahttp.ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		})
		return
	}
	var validation *domain.ValidationError
	var transition *domain.InvalidStateTransitionError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		infrahttp.WriteError(w, http.StatusNotFound, errors.New("не найдено"))
	case errors.Is(err, domain.ErrForbidden):
		infrahttp.WriteError(w, http.StatusForbidden, errors.New("доступ запрещён"))
	case errors.Is(err, domain.ErrInsufficientCredits):
		infrahttp.WriteError(w, http.StatusPaymentRequired, errors.New("недостаточно кредитов"))
	case errors.As(err, &validation), errors.Is(err, agents.ErrHandleInvalid):
		infrahttp.WriteError(w, http.StatusBadRequest, err)
	case errors.As(err, &transition), errors.Is(err, agents.ErrProfileIncomplete), errors.Is(err, agents.ErrBotTokenInvalid):
		infrahttp.WriteError(w, http.StatusConflict, err)
	default:
		h.log.Error().Err(err).Str("request_id", infrahttp.RequestID(r)).Msg("api: внутренняя ошибка")
		infrahttp.WriteError(w, http.StatusInternalServerError, errors.New("внутренняя ошибка"))
	}
}
