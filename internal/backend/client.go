package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/huddlechat/huddle/internal/event"
	"github.com/huddlechat/huddle/internal/types"
)

const defaultTimeout = 10 * time.Second

// Client talks to the upstream API. Every operation is a POST of a
// JSON params object to an RPC-style path, authorized with the server
// API key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger
}

func NewClient(baseURL, apiKey string, logger *log.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
}

// SubscribeURL is the upstream websocket endpoint for the event
// stream, derived from the API base URL.
func SubscribeURL(baseURL string) string {
	url := strings.TrimRight(baseURL, "/")
	if strings.HasPrefix(url, "http") {
		url = "ws" + strings.TrimPrefix(url, "http")
	}
	return url + "/v1/streams/subscribe"
}

func (c *Client) call(ctx context.Context, path string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return &Error{Code: http.StatusInternalServerError, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &Error{Code: http.StatusInternalServerError, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Printf("error connecting to backend: %s", err)
		return &Error{Code: http.StatusInternalServerError, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var detail struct {
			Detail string `json:"Detail"`
		}
		msg := http.StatusText(resp.StatusCode)
		if err := json.NewDecoder(resp.Body).Decode(&detail); err == nil && detail.Detail != "" {
			msg = detail.Detail
		}
		return &Error{Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Printf("error parsing backend response for %s: %s", path, err)
		return &Error{Code: http.StatusInternalServerError, Message: "invalid backend response"}
	}
	return nil
}

func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var rsp struct {
		Token string `json:"token"`
	}
	params := map[string]string{"email": email, "password": password}
	if err := c.call(ctx, "/v1/users/Login", params, &rsp); err != nil {
		return "", err
	}
	return rsp.Token, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.call(ctx, "/v1/users/Logout", map[string]string{"token": token}, nil)
}

func (c *Client) Signup(ctx context.Context, params SignupParams) error {
	return c.call(ctx, "/v1/users/Create", params, nil)
}

func (c *Client) ValidateSession(ctx context.Context, token string) (types.User, error) {
	var rsp struct {
		User types.User `json:"user"`
	}
	if err := c.call(ctx, "/v1/users/Validate", map[string]string{"token": token}, &rsp); err != nil {
		return types.User{}, err
	}
	return rsp.User, nil
}

func (c *Client) ReadUsers(ctx context.Context, ids []string) (map[string]types.User, error) {
	var rsp struct {
		Users map[string]types.User `json:"users"`
	}
	if err := c.call(ctx, "/v1/users/Read", map[string][]string{"ids": ids}, &rsp); err != nil {
		return nil, err
	}
	return rsp.Users, nil
}

func (c *Client) UpdateUser(ctx context.Context, id string, patch UserPatch) error {
	params := struct {
		Id string `json:"id"`
		UserPatch
	}{Id: id, UserPatch: patch}
	return c.call(ctx, "/v1/users/Update", params, nil)
}

func (c *Client) ListGroups(ctx context.Context, memberId string) ([]GroupRecord, error) {
	var rsp struct {
		Groups []GroupRecord `json:"groups"`
	}
	if err := c.call(ctx, "/v1/groups/List", map[string]string{"member_id": memberId}, &rsp); err != nil {
		return nil, err
	}
	return rsp.Groups, nil
}

func (c *Client) ReadGroup(ctx context.Context, id string) (GroupRecord, error) {
	var rsp struct {
		Groups map[string]GroupRecord `json:"groups"`
	}
	if err := c.call(ctx, "/v1/groups/Read", map[string][]string{"ids": {id}}, &rsp); err != nil {
		return GroupRecord{}, err
	}
	group, ok := rsp.Groups[id]
	if !ok {
		return GroupRecord{}, &Error{Code: http.StatusNotFound, Message: "group not found"}
	}
	return group, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string) (GroupRecord, error) {
	var rsp struct {
		Group GroupRecord `json:"group"`
	}
	if err := c.call(ctx, "/v1/groups/Create", map[string]string{"name": name}, &rsp); err != nil {
		return GroupRecord{}, err
	}
	return rsp.Group, nil
}

func (c *Client) AddMember(ctx context.Context, groupId, memberId string) error {
	params := map[string]string{"group_id": groupId, "member_id": memberId}
	return c.call(ctx, "/v1/groups/AddMember", params, nil)
}

func (c *Client) RemoveMember(ctx context.Context, groupId, memberId string) error {
	params := map[string]string{"group_id": groupId, "member_id": memberId}
	return c.call(ctx, "/v1/groups/RemoveMember", params, nil)
}

func (c *Client) ListThreads(ctx context.Context, groupId string) ([]ThreadRecord, error) {
	var rsp struct {
		Conversations []ThreadRecord `json:"conversations"`
	}
	if err := c.call(ctx, "/v1/threads/ListConversations", map[string]string{"group_id": groupId}, &rsp); err != nil {
		return nil, err
	}
	return rsp.Conversations, nil
}

func (c *Client) CreateThread(ctx context.Context, groupId, topic string) (ThreadRecord, error) {
	var rsp struct {
		Conversation ThreadRecord `json:"conversation"`
	}
	params := map[string]string{"group_id": groupId, "topic": topic}
	if err := c.call(ctx, "/v1/threads/CreateConversation", params, &rsp); err != nil {
		return ThreadRecord{}, err
	}
	return rsp.Conversation, nil
}

func (c *Client) ReadThread(ctx context.Context, id string) (ThreadRecord, error) {
	var rsp struct {
		Conversation ThreadRecord `json:"conversation"`
	}
	if err := c.call(ctx, "/v1/threads/ReadConversation", map[string]string{"id": id}, &rsp); err != nil {
		return ThreadRecord{}, err
	}
	return rsp.Conversation, nil
}

func (c *Client) UpdateThread(ctx context.Context, id, topic string) error {
	params := map[string]string{"id": id, "topic": topic}
	return c.call(ctx, "/v1/threads/UpdateConversation", params, nil)
}

func (c *Client) DeleteThread(ctx context.Context, id string) error {
	return c.call(ctx, "/v1/threads/DeleteConversation", map[string]string{"id": id}, nil)
}

// wireMessage is the upstream message row for both thread and direct
// chat conversations.
type wireMessage struct {
	Id       string    `json:"id"`
	AuthorId string    `json:"author_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

// CreateChat resolves the canonical two-party conversation for a user
// pair, creating it upstream on first use, and returns its id.
func (c *Client) CreateChat(ctx context.Context, userIds []string) (string, error) {
	var rsp struct {
		Chat struct {
			Id string `json:"id"`
		} `json:"chat"`
	}
	params := map[string][]string{"user_ids": userIds}
	if err := c.call(ctx, "/v1/chats/CreateChat", params, &rsp); err != nil {
		return "", err
	}
	return rsp.Chat.Id, nil
}

func (c *Client) ListMessages(ctx context.Context, chat types.ChatRef) ([]types.Message, error) {
	var rsp struct {
		Messages []wireMessage `json:"messages"`
	}
	path, params := messageEndpoint(chat, "ListMessages")
	if err := c.call(ctx, path, params, &rsp); err != nil {
		return nil, err
	}
	messages := make([]types.Message, len(rsp.Messages))
	for i, m := range rsp.Messages {
		messages[i] = types.Message{
			Id:     m.Id,
			Text:   m.Text,
			SentAt: m.SentAt,
			Author: types.User{Id: m.AuthorId},
		}
	}
	return messages, nil
}

func (c *Client) CreateMessage(ctx context.Context, chat types.ChatRef, msg types.Message) (types.Message, error) {
	path, params := messageEndpoint(chat, "CreateMessage")
	params["id"] = msg.Id
	params["author_id"] = msg.Author.Id
	params["text"] = msg.Text
	if err := c.call(ctx, path, params, nil); err != nil {
		return types.Message{}, err
	}
	return msg, nil
}

// messageEndpoint routes a chat reference to the thread or direct-chat
// service and keys the params with the id field that service expects.
func messageEndpoint(chat types.ChatRef, op string) (string, map[string]string) {
	if chat.Type == types.ChatTypeChat {
		return "/v1/chats/" + op, map[string]string{"chat_id": chat.Id}
	}
	return "/v1/threads/" + op, map[string]string{"conversation_id": chat.Id}
}

func (c *Client) ListInvites(ctx context.Context, params ListInvitesParams) ([]types.Invite, error) {
	var rsp struct {
		Invites []types.Invite `json:"invites"`
	}
	if err := c.call(ctx, "/v1/invites/List", params, &rsp); err != nil {
		return nil, err
	}
	return rsp.Invites, nil
}

func (c *Client) CreateInvite(ctx context.Context, groupId, email string) (types.Invite, error) {
	var rsp struct {
		Invite types.Invite `json:"invite"`
	}
	params := map[string]string{"group_id": groupId, "email": email}
	if err := c.call(ctx, "/v1/invites/Create", params, &rsp); err != nil {
		return types.Invite{}, err
	}
	return rsp.Invite, nil
}

func (c *Client) ReadInvite(ctx context.Context, id string) (types.Invite, error) {
	var rsp struct {
		Invite types.Invite `json:"invite"`
	}
	if err := c.call(ctx, "/v1/invites/Read", map[string]string{"id": id}, &rsp); err != nil {
		return types.Invite{}, err
	}
	return rsp.Invite, nil
}

func (c *Client) DeleteInvite(ctx context.Context, id string) error {
	return c.call(ctx, "/v1/invites/Delete", map[string]string{"id": id}, nil)
}

// Publish mirrors an event onto a member's stream topic. The message
// is the inner event JSON; the stream service adds the envelope that
// subscribers decode.
func (c *Client) Publish(ctx context.Context, topic string, ev event.Event) error {
	encoded, err := json.Marshal(ev)
	if err != nil {
		return &Error{Code: http.StatusInternalServerError, Message: err.Error()}
	}
	params := map[string]string{"topic": topic, "message": string(encoded)}
	return c.call(ctx, "/v1/streams/Publish", params, nil)
}
