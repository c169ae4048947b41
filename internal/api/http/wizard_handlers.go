package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/study-hub/study-hub/internal/domain/chain"
	"github.com/study-hub/study-hub/internal/domain/wizard"
	"github.com/study-hub/study-hub/internal/infrastructure/sse"
)

func (s *Server) getWizardState(w http.ResponseWriter, r *http.Request) {
	actor, profileKey, ok := s.wizardScope(w, r)
	if !ok {
		return
	}
	sess, err := s.wizardSvc.State(r.Context(), actor, profileKey)
	if err != nil {
		respondWizardError(w, err)
		return
	}
	respondSession(w, sess)
}

func (s *Server) startWizard(w http.ResponseWriter, r *http.Request) {
	actor, profileKey, ok := s.wizardScope(w, r)
	if !ok {
		return
	}
	var form wizard.EscrowForm
	if err := decodeBody(r, &form); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	sess, err := s.wizardSvc.Start(r.Context(), actor, profileKey, &form)
	if err != nil {
		respondWizardError(w, err)
		return
	}
	respondSession(w, sess)
}

func (s *Server) runEscrow(w http.ResponseWriter, r *http.Request) {
	actor, profileKey, ok := s.wizardScope(w, r)
	if !ok {
		return
	}
	sess, err := s.wizardSvc.RunEscrow(r.Context(), actor, profileKey)
	if err != nil {
		respondStepError(w, sess, err)
		return
	}
	respondSession(w, sess)
}

func (s *Server) runRegistry(w http.ResponseWriter, r *http.Request) {
	actor, profileKey, ok := s.wizardScope(w, r)
	if !ok {
		return
	}
	form, err := decodeOptional[wizard.RegistryForm](r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	sess, err := s.wizardSvc.RunRegistry(r.Context(), actor, profileKey, form)
	if err != nil {
		respondStepError(w, sess, err)
		return
	}
	respondSession(w, sess)
}

func (s *Server) runCriteria(w http.ResponseWriter, r *http.Request) {
	actor, profileKey, ok := s.wizardScope(w, r)
	if !ok {
		return
	}
	form, err := decodeOptional[wizard.CriteriaForm](r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	sess, err := s.wizardSvc.RunCriteria(r.Context(), actor, profileKey, form)
	if err != nil {
		respondStepError(w, sess, err)
		return
	}
	respondSession(w, sess)
}

type milestonesRequest struct {
	Items []wizard.MilestoneItem `json:"items"`
}

func (s *Server) runMilestones(w http.ResponseWriter, r *http.Request) {
	actor, profileKey, ok := s.wizardScope(w, r)
	if !ok {
		return
	}
	req, err := decodeOptional[milestonesRequest](r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	var items []wizard.MilestoneItem
	if req != nil {
		items = req.Items
	}
	sess, err := s.wizardSvc.RunMilestones(r.Context(), actor, profileKey, items)
	if err != nil {
		respondStepError(w, sess, err)
		return
	}
	respondSession(w, sess)
}

func (s *Server) cancelWizard(w http.ResponseWriter, r *http.Request) {
	actor, profileKey, ok := s.wizardScope(w, r)
	if !ok {
		return
	}
	if err := s.wizardSvc.Cancel(r.Context(), actor, profileKey); err != nil {
		respondWizardError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) finishWizard(w http.ResponseWriter, r *http.Request) {
	actor, profileKey, ok := s.wizardScope(w, r)
	if !ok {
		return
	}
	if err := s.wizardSvc.Finish(r.Context(), actor, profileKey); err != nil {
		respondWizardError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "finished"})
}

// wizardEvents streams progress events for the authenticated owner over SSE.
func (s *Server) wizardEvents(w http.ResponseWriter, r *http.Request) {
	actor := authActorFromContext(r.Context())
	if actor == nil {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	client := sse.NewClient(uuid.New().String(), actor.Address)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client.ClientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-client.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

// wizardScope extracts the authenticated actor and profile key.
func (s *Server) wizardScope(w http.ResponseWriter, r *http.Request) (actor, profileKey string, ok bool) {
	a := authActorFromContext(r.Context())
	if a == nil {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
		return "", "", false
	}
	profileKey = profileKeyFromRequest(r)
	if profileKey == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "missing X-Profile-Key header")
		return "", "", false
	}
	return a.Address, profileKey, true
}

type sessionResponse struct {
	Session *wizard.Session `json:"session"`
	Step    int             `json:"step"`
	Done    bool            `json:"done"`
}

func respondSession(w http.ResponseWriter, sess *wizard.Session) {
	step, done := sess.CurrentStep()
	respondJSON(w, http.StatusOK, sessionResponse{
		Session: sess,
		Step:    step.Index(),
		Done:    done,
	})
}

// respondStepError maps a step failure, returning the session so the UI can
// re-render the active step with its recorded error.
func respondStepError(w http.ResponseWriter, sess *wizard.Session, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, chain.ErrUserDeclined):
		status, code = http.StatusConflict, "USER_DECLINED"
	case chain.IsRetryable(err):
		status, code = http.StatusBadGateway, "TRANSPORT_FAILURE"
	case errors.Is(err, wizard.ErrBudgetExceeded):
		status, code = http.StatusUnprocessableEntity, "BUDGET_EXCEEDED"
	case errors.Is(err, wizard.ErrInvalidTransition):
		status, code = http.StatusConflict, "INVALID_STEP"
	case wizard.IsFatal(err):
		status, code = http.StatusConflict, "SESSION_RESET_REQUIRED"
	}
	body := map[string]interface{}{
		"error":   code,
		"message": err.Error(),
	}
	if sess != nil {
		step, done := sess.CurrentStep()
		body["session"] = sess
		body["step"] = step.Index()
		body["done"] = done
	}
	respondJSON(w, status, body)
}

func respondWizardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wizard.ErrStartInFlight):
		respondError(w, http.StatusConflict, "START_IN_FLIGHT", err.Error())
	case errors.Is(err, wizard.ErrCorruptSession):
		respondError(w, http.StatusConflict, "SESSION_CORRUPT", err.Error())
	case errors.Is(err, wizard.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "INVALID_STEP", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// decodeOptional decodes a JSON body, treating an empty body as nil.
func decodeOptional[T any](r *http.Request) (*T, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	var v T
	if err := decodeBody(r, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
