package room

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/TFMV/hearthcall/common"
	"github.com/gofiber/fiber/v2"
)

// MembershipClient queries the room service for the current participants
type MembershipClient interface {
	Participants(ctx context.Context, roomID common.ID) ([]common.Participant, error)
}

// RoomResponse is the room service's answer to GET /rooms/{roomId}
type RoomResponse struct {
	ID           common.ID            `json:"id,omitempty"`
	Name         string               `json:"name,omitempty"`
	Participants []common.Participant `json:"participants"`
}

// HTTPMembershipClient reads membership from the room REST API
type HTTPMembershipClient struct {
	baseURL string
	token   string
	timeout time.Duration
}

// NewHTTPMembershipClient creates a client for the API rooted at baseURL.
// A non-empty token is sent as a bearer credential.
func NewHTTPMembershipClient(baseURL, token string, timeout time.Duration) *HTTPMembershipClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPMembershipClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
	}
}

// Participants implements MembershipClient
func (c *HTTPMembershipClient) Participants(ctx context.Context, roomID common.ID) ([]common.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	agent := fiber.Get(fmt.Sprintf("%s/rooms/%s", c.baseURL, url.PathEscape(roomID.String())))
	agent.Timeout(timeout)
	agent.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	if c.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to query room %s: %w", roomID, errs[0])
	}
	if code != fiber.StatusOK {
		return nil, fmt.Errorf("failed to query room %s: status %d", roomID, code)
	}

	var resp RoomResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode room %s: %w", roomID, err)
	}
	return resp.Participants, nil
}

// Join registers a participant in roomID and returns the updated participants
func (c *HTTPMembershipClient) Join(ctx context.Context, roomID common.ID, p common.Participant) ([]common.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	agent := fiber.Post(fmt.Sprintf("%s/rooms/%s/participants", c.baseURL, url.PathEscape(roomID.String())))
	agent.Timeout(c.timeout)
	agent.JSON(p)
	if c.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to join room %s: %w", roomID, errs[0])
	}
	if code != fiber.StatusOK && code != fiber.StatusCreated {
		return nil, fmt.Errorf("failed to join room %s: status %d", roomID, code)
	}

	var resp RoomResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode room %s: %w", roomID, err)
	}
	return resp.Participants, nil
}
