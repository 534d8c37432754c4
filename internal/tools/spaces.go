// ABOUTME: External knowledge-space tools: getSpace, updateSpace and deleteSpace
// ABOUTME: Calls a REST spaces API; deleteSpace is destructive and requires approval

package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// SpacesProvider is the external source name of the space tools.
const SpacesProvider = "spaces"

// Space is the subset of a knowledge space returned to the model.
type Space struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Slug        string `json:"slug,omitempty"`
	IsArchived  bool   `json:"isArchived"`
}

type spaceEnvelope struct {
	Space Space `json:"space"`
}

type spaceResult struct {
	Success bool  `json:"success"`
	Space   Space `json:"space"`
}

type spaceIDInput struct {
	ID string `json:"id" validate:"required"`
}

type updateSpaceInput struct {
	ID          string  `json:"id" validate:"required"`
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1"`
	Description *string `json:"description,omitempty"`
	Icon        *string `json:"icon,omitempty" validate:"omitempty,oneof=folder book file-text database package archive briefcase inbox layers box"`
	Slug        *string `json:"slug,omitempty" validate:"omitempty,min=1"`
	IsArchived  *bool   `json:"isArchived,omitempty"`
}

var spaceIDSchema = json.RawMessage(`{
  "type": "object",
  "properties": {"id": {"type": "string", "description": "The ID of the space"}},
  "required": ["id"],
  "additionalProperties": false
}`)

var updateSpaceSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "id": {"type": "string", "description": "The ID of the space to update"},
    "name": {"type": "string", "description": "New name for the space"},
    "description": {"type": "string", "description": "New description for the space"},
    "icon": {"type": "string", "enum": ["folder", "book", "file-text", "database", "package", "archive", "briefcase", "inbox", "layers", "box"]},
    "slug": {"type": "string", "description": "URL-friendly identifier for the space"},
    "isArchived": {"type": "boolean", "description": "Whether to archive or unarchive the space"}
  },
  "required": ["id"],
  "additionalProperties": false
}`)

// SpaceEntries returns the three space tools against the API at baseURL.
func SpaceEntries(baseURL, apiKey string, timeout time.Duration) []Entry {
	client := newAPIClient(baseURL, apiKey, timeout, 5)
	source := External(SpacesProvider)

	return []Entry{
		{
			Name:        "getSpace",
			Description: "Get details of a specific knowledge space by its ID, including its name, description, icon, and status.",
			Schema:      spaceIDSchema,
			Source:      source,
			Handler: func(ctx context.Context, input json.RawMessage) (any, error) {
				var in spaceIDInput
				if err := decodeInput(input, &in); err != nil {
					return nil, err
				}
				var env spaceEnvelope
				if err := client.do(ctx, http.MethodGet, "/spaces/"+url.PathEscape(in.ID), nil, nil, &env); err != nil {
					return nil, err
				}
				return spaceResult{Success: true, Space: env.Space}, nil
			},
		},
		{
			Name:        "updateSpace",
			Description: "Update an existing knowledge space: its name, description, icon, slug, or archive status.",
			Schema:      updateSpaceSchema,
			Source:      source,
			Handler: func(ctx context.Context, input json.RawMessage) (any, error) {
				var in updateSpaceInput
				if err := decodeInput(input, &in); err != nil {
					return nil, err
				}
				patch := map[string]any{}
				if in.Name != nil {
					patch["name"] = *in.Name
				}
				if in.Description != nil {
					patch["description"] = *in.Description
				}
				if in.Icon != nil {
					patch["icon"] = *in.Icon
				}
				if in.Slug != nil {
					patch["slug"] = *in.Slug
				}
				if in.IsArchived != nil {
					patch["isArchived"] = *in.IsArchived
				}
				var env spaceEnvelope
				if err := client.do(ctx, http.MethodPatch, "/spaces/"+url.PathEscape(in.ID), nil, patch, &env); err != nil {
					return nil, err
				}
				return spaceResult{Success: true, Space: env.Space}, nil
			},
		},
		{
			Name:             "deleteSpace",
			Description:      "Delete (archive) a knowledge space. This is destructive; only use it when the user explicitly asks to delete a space.",
			Schema:           spaceIDSchema,
			Source:           source,
			RequiresApproval: true,
			Handler: func(ctx context.Context, input json.RawMessage) (any, error) {
				var in spaceIDInput
				if err := decodeInput(input, &in); err != nil {
					return nil, err
				}
				if err := client.do(ctx, http.MethodDelete, "/spaces/"+url.PathEscape(in.ID), nil, nil, nil); err != nil {
					return nil, err
				}
				return map[string]any{"success": true, "message": "Space deleted successfully"}, nil
			},
		},
	}
}

// RegisterDefaults registers the weather tool and, when spacesURL is set, the space tools.
func RegisterDefaults(r *Registry, weatherURL, spacesURL, spacesKey string, timeout time.Duration) error {
	if err := r.Register(WeatherEntry(weatherURL, timeout)); err != nil {
		return err
	}
	if spacesURL == "" {
		return nil
	}
	for _, e := range SpaceEntries(spacesURL, spacesKey, timeout) {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}
