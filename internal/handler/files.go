package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/polygraf/internal/model"
	"github.com/jun/polygraf/internal/objectstore"
)

// FileHandler serves the object store to signed-in users. Objects are
// visible to their owner and to admins.
type FileHandler struct {
	objects   *objectstore.Store
	jwtSecret string
	logger    *slog.Logger
}

// NewFileHandler creates a FileHandler.
func NewFileHandler(objects *objectstore.Store, jwtSecret string, logger *slog.Logger) *FileHandler {
	return &FileHandler{objects: objects, jwtSecret: jwtSecret, logger: logger}
}

// Upload stores a new object owned by the caller.
func (h *FileHandler) Upload(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	session, err := GetSession(req, h.jwtSecret)
	if err != nil {
		return unauthorized(), nil
	}

	var body struct {
		DisplayName string `json:"displayName"`
		MIMEType    string `json:"mimeType"`
		Payload     string `json:"payload"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	if body.DisplayName == "" {
		return errorResponse(http.StatusBadRequest, "displayName is required"), nil
	}
	if body.MIMEType == "" {
		body.MIMEType = "application/octet-stream"
	}

	id, err := h.objects.Put(ctx, session.UserID, body.DisplayName, body.MIMEType, body.Payload)
	if err != nil {
		return domainErrorResponse(h.logger, "upload object", err), nil
	}
	return jsonResponse(http.StatusCreated, map[string]string{"id": id}), nil
}

// List returns the caller's objects, newest first.
func (h *FileHandler) List(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	session, err := GetSession(req, h.jwtSecret)
	if err != nil {
		return unauthorized(), nil
	}

	limit, cursor, err := pageParams(req)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	metas, next, err := h.objects.List(ctx, session.UserID, limit, cursor)
	if err != nil {
		return domainErrorResponse(h.logger, "list objects", err), nil
	}
	return jsonResponse(http.StatusOK, newPage(metas, next)), nil
}

// Get returns an object with its reassembled payload.
func (h *FileHandler) Get(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	session, err := GetSession(req, h.jwtSecret)
	if err != nil {
		return unauthorized(), nil
	}

	id := req.PathParameters["id"]
	if resp, ok := h.checkOwner(ctx, session, id, "get object"); !ok {
		return resp, nil
	}

	obj, err := h.objects.Get(ctx, id)
	if err != nil {
		return domainErrorResponse(h.logger, "get object", err), nil
	}
	return jsonResponse(http.StatusOK, obj), nil
}

// Patch renames an object or replaces its linked entities.
func (h *FileHandler) Patch(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	session, err := GetSession(req, h.jwtSecret)
	if err != nil {
		return unauthorized(), nil
	}

	var body struct {
		DisplayName    *string   `json:"displayName"`
		LinkedEntities *[]string `json:"linkedEntities"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return errorResponse(http.StatusBadRequest, "Invalid request body"), nil
	}

	id := req.PathParameters["id"]
	if resp, ok := h.checkOwner(ctx, session, id, "update object"); !ok {
		return resp, nil
	}

	meta, err := h.objects.UpdateMetadata(ctx, id, objectstore.MetadataUpdate{
		DisplayName:    body.DisplayName,
		LinkedEntities: body.LinkedEntities,
	})
	if err != nil {
		return domainErrorResponse(h.logger, "update object", err), nil
	}
	return jsonResponse(http.StatusOK, meta), nil
}

// Delete removes an object. Deleting a missing object succeeds.
func (h *FileHandler) Delete(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	session, err := GetSession(req, h.jwtSecret)
	if err != nil {
		return unauthorized(), nil
	}

	id := req.PathParameters["id"]
	resp, ok := h.checkOwner(ctx, session, id, "delete object")
	if !ok {
		if resp.StatusCode == http.StatusNotFound {
			return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
		}
		return resp, nil
	}

	if err := h.objects.Delete(ctx, id); err != nil {
		return domainErrorResponse(h.logger, "delete object", err), nil
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
}

// checkOwner reports whether session may access object id. Objects of
// other owners look absent.
func (h *FileHandler) checkOwner(ctx context.Context, session *Session, id, op string) (events.APIGatewayProxyResponse, bool) {
	meta, err := h.objects.Meta(ctx, id)
	if err != nil {
		return domainErrorResponse(h.logger, op, err), false
	}
	if !canAccess(session, meta.OwnerID) {
		return domainErrorResponse(h.logger, op, objectstore.ErrNotFound), false
	}
	return events.APIGatewayProxyResponse{}, true
}

func canAccess(session *Session, ownerID string) bool {
	return session.Role == model.RoleAdmin || session.UserID == ownerID
}
