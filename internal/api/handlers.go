package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/huddlechat/huddle/internal/backend"
	"github.com/huddlechat/huddle/internal/event"
	"github.com/huddlechat/huddle/internal/types"
)

type CreateGroupRequest struct {
	Name string `json:"name"`
}

type CreateThreadRequest struct {
	Topic string `json:"topic"`
}

type UpdateThreadRequest struct {
	Topic string `json:"topic"`
}

type CreateMessageRequest struct {
	Id   string `json:"id"`
	Text string `json:"text"`
}

type CreateInviteRequest struct {
	Email string `json:"email"`
}

type SeenRequest struct {
	ChatType string    `json:"chat_type"`
	ChatId   string    `json:"chat_id"`
	SeenAt   time.Time `json:"seen_at"`
}

type GroupView struct {
	Id      string         `json:"id"`
	Name    string         `json:"name"`
	Members []types.User   `json:"members"`
	Threads []types.Thread `json:"threads"`
}

// loadMemberGroup reads the group and rejects callers who are not
// members of it.
func (s *Server) loadMemberGroup(ctx context.Context, groupId, userId string) (backend.GroupRecord, *ApiError) {
	group, err := s.backend.ReadGroup(ctx, groupId)
	if err != nil {
		return backend.GroupRecord{}, newBackendError(err)
	}

	if !slices.Contains(group.MemberIds, userId) {
		return backend.GroupRecord{}, NewForbiddenError()
	}

	return group, nil
}

// publish mirrors an event onto each topic, logging failures rather
// than failing the request: the mutation itself already succeeded.
func (s *Server) publish(ctx context.Context, topics []string, ev event.Event) {
	for _, topic := range topics {
		if err := s.backend.Publish(ctx, topic, ev); err != nil {
			s.log.Printf("failed to publish %s to %s: %v", ev.Type, topic, err)
		}
	}
}

func (s *Server) marshalPayload(v any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("failed to marshal event payload: %v", err)
		return nil
	}
	return payload
}

func (s *Server) groupView(ctx context.Context, group backend.GroupRecord, viewerId string) (GroupView, *ApiError) {
	users, err := s.backend.ReadUsers(ctx, group.MemberIds)
	if err != nil {
		return GroupView{}, newBackendError(err)
	}

	view := GroupView{Id: group.Id, Name: group.Name}
	for _, id := range group.MemberIds {
		user, ok := users[id]
		if !ok {
			continue
		}
		user.CurrentUser = id == viewerId
		view.Members = append(view.Members, user)
	}

	threads, err := s.backend.ListThreads(ctx, group.Id)
	if err != nil {
		return GroupView{}, newBackendError(err)
	}
	for _, thread := range threads {
		view.Threads = append(view.Threads, types.Thread{Id: thread.Id, Topic: thread.Topic})
	}

	return view, nil
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	groups, err := s.backend.ListGroups(r.Context(), sess.user.Id)
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	views := make([]GroupView, 0, len(groups))
	for _, group := range groups {
		view, errResp := s.groupView(r.Context(), group, sess.user.Id)
		if errResp != nil {
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		views = append(views, view)
	}

	s.writeJson(w, http.StatusOK, views)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	group, err := s.backend.CreateGroup(r.Context(), req.Name)
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.backend.AddMember(r.Context(), group.Id, sess.user.Id); err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, map[string]backend.GroupRecord{"group": group})
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	group, errResp := s.loadMemberGroup(r.Context(), r.PathValue("group_id"), sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	view, errResp := s.groupView(r.Context(), group, sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, view)
}

func (s *Server) leaveGroup(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	group, errResp := s.loadMemberGroup(r.Context(), r.PathValue("group_id"), sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.backend.RemoveMember(r.Context(), group.Id, sess.user.Id); err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.publish(r.Context(), group.MemberIds, event.Event{
		Type:    event.TypeUserLeft,
		GroupId: group.Id,
		Payload: s.marshalPayload(types.Member{User: sess.user}),
	})

	s.writeJson(w, http.StatusOK, nil)
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	switch r.Method {
	case http.MethodGet:
		s.writeJson(w, http.StatusOK, map[string]types.User{"user": sess.user})
	case http.MethodPatch:
		var patch backend.UserPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if err := s.backend.UpdateUser(r.Context(), sess.user.Id, patch); err != nil {
			errResp := newBackendError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusOK, nil)
	default:
		errResp := NewMethodNotAllowedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	group, errResp := s.loadMemberGroup(r.Context(), r.PathValue("group_id"), sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	thread, err := s.backend.CreateThread(r.Context(), group.Id, req.Topic)
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.publish(r.Context(), group.MemberIds, event.Event{
		Type:    event.TypeThreadCreated,
		GroupId: group.Id,
		Payload: s.marshalPayload(event.ThreadPayload{Id: thread.Id, Topic: thread.Topic}),
	})

	s.writeJson(w, http.StatusCreated, map[string]backend.ThreadRecord{"conversation": thread})
}

// loadMemberThread resolves a thread id to its thread and group,
// enforcing group membership.
func (s *Server) loadMemberThread(ctx context.Context, threadId, userId string) (backend.ThreadRecord, backend.GroupRecord, *ApiError) {
	thread, err := s.backend.ReadThread(ctx, threadId)
	if err != nil {
		return backend.ThreadRecord{}, backend.GroupRecord{}, newBackendError(err)
	}

	group, errResp := s.loadMemberGroup(ctx, thread.GroupId, userId)
	if errResp != nil {
		return backend.ThreadRecord{}, backend.GroupRecord{}, errResp
	}

	return thread, group, nil
}

func (s *Server) updateThread(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	thread, group, errResp := s.loadMemberThread(r.Context(), r.PathValue("thread_id"), sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req UpdateThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.backend.UpdateThread(r.Context(), thread.Id, req.Topic); err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.publish(r.Context(), group.MemberIds, event.Event{
		Type:    event.TypeThreadUpdated,
		GroupId: group.Id,
		Payload: s.marshalPayload(event.ThreadPayload{Id: thread.Id, Topic: req.Topic}),
	})

	s.writeJson(w, http.StatusOK, nil)
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	thread, group, errResp := s.loadMemberThread(r.Context(), r.PathValue("thread_id"), sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.backend.DeleteThread(r.Context(), thread.Id); err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.publish(r.Context(), group.MemberIds, event.Event{
		Type:    event.TypeThreadDeleted,
		GroupId: group.Id,
		Payload: s.marshalPayload(event.ThreadPayload{Id: thread.Id}),
	})

	s.writeJson(w, http.StatusOK, nil)
}

func (s *Server) threadMessages(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	thread, group, errResp := s.loadMemberThread(r.Context(), r.PathValue("thread_id"), sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chat := types.ChatRef{Type: types.ChatTypeThread, Id: thread.Id}
	fanout := make([]messageFanout, 0, len(group.MemberIds))
	for _, memberId := range group.MemberIds {
		fanout = append(fanout, messageFanout{Topic: memberId, Chat: chat})
	}
	s.messages(w, r, sess.user, group, chat, fanout)
}

func (s *Server) chatMessages(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	otherId := r.PathValue("user_id")
	group, errResp := s.loadMemberGroup(r.Context(), r.URL.Query().Get("group_id"), sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !slices.Contains(group.MemberIds, otherId) {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// The proxy surface addresses a direct chat by the other party's
	// user id; the upstream wants the canonical pair conversation.
	chatId, err := s.backend.CreateChat(r.Context(), []string{sess.user.Id, otherId})
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upstream := types.ChatRef{Type: types.ChatTypeChat, Id: chatId}
	// Direct chats are only visible to the two parties, and each side
	// files the conversation under the other party's id.
	fanout := []messageFanout{
		{Topic: otherId, Chat: types.ChatRef{Type: types.ChatTypeChat, Id: sess.user.Id}},
		{Topic: sess.user.Id, Chat: types.ChatRef{Type: types.ChatTypeChat, Id: otherId}},
	}
	s.messages(w, r, sess.user, group, upstream, fanout)
}

// messageFanout is one stream topic and the chat reference its
// subscriber files the message under.
type messageFanout struct {
	Topic string
	Chat  types.ChatRef
}

// resolveAuthors replaces the bare author ids on listed messages with
// full user records and flags the viewer's own messages.
func (s *Server) resolveAuthors(ctx context.Context, messages []types.Message, viewerId string) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]string, 0, len(messages))
	unique := make(map[string]bool, len(messages))
	for _, m := range messages {
		if !unique[m.Author.Id] {
			unique[m.Author.Id] = true
			ids = append(ids, m.Author.Id)
		}
	}

	users, err := s.backend.ReadUsers(ctx, ids)
	if err != nil {
		return err
	}

	for i := range messages {
		if user, ok := users[messages[i].Author.Id]; ok {
			user.CurrentUser = user.Id == viewerId
			messages[i].Author = user
		}
	}
	return nil
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request, author types.User, group backend.GroupRecord, chat types.ChatRef, fanout []messageFanout) {
	switch r.Method {
	case http.MethodGet:
		messages, err := s.backend.ListMessages(r.Context(), chat)
		if err != nil {
			errResp := newBackendError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if err := s.resolveAuthors(r.Context(), messages, author.Id); err != nil {
			errResp := newBackendError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusOK, map[string][]types.Message{"messages": messages})
	case http.MethodPost:
		var req CreateMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if req.Id == "" {
			req.Id = uuid.NewString()
		}

		msg := types.Message{
			Id:     req.Id,
			Text:   req.Text,
			SentAt: time.Now().UTC(),
			Author: author,
		}

		msg, err := s.backend.CreateMessage(r.Context(), chat, msg)
		if err != nil {
			errResp := newBackendError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		// Broadcast authors carry no viewer flag; each subscriber
		// decides that for itself.
		msg.Author.CurrentUser = false
		for _, f := range fanout {
			s.publish(r.Context(), []string{f.Topic}, event.Event{
				Type:    event.TypeMessageCreated,
				GroupId: group.Id,
				Payload: s.marshalPayload(event.MessagePayload{Chat: f.Chat, Message: msg}),
			})
		}

		msg.Author.CurrentUser = true
		s.writeJson(w, http.StatusCreated, map[string]types.Message{"message": msg})
	default:
		errResp := NewMethodNotAllowedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}

func (s *Server) listGroupInvites(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	group, errResp := s.loadMemberGroup(r.Context(), r.PathValue("group_id"), sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	invites, err := s.backend.ListInvites(r.Context(), backend.ListInvitesParams{GroupId: group.Id})
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, invites)
}

func (s *Server) createInvite(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	group, errResp := s.loadMemberGroup(r.Context(), r.PathValue("group_id"), sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	invite, err := s.backend.CreateInvite(r.Context(), group.Id, req.Email)
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, invite)
}

// listInvites returns the invites addressed to the session user.
func (s *Server) listInvites(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	invites, err := s.backend.ListInvites(r.Context(), backend.ListInvitesParams{Email: sess.user.Email})
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, invites)
}

func (s *Server) acceptInvite(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	invite, err := s.backend.ReadInvite(r.Context(), r.PathValue("invite_id"))
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if invite.Email != sess.user.Email {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.backend.AddMember(r.Context(), invite.GroupId, sess.user.Id); err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.backend.DeleteInvite(r.Context(), invite.Id); err != nil {
		s.log.Printf("failed to delete accepted invite %s: %v", invite.Id, err)
	}

	group, err := s.backend.ReadGroup(r.Context(), invite.GroupId)
	if err != nil {
		s.log.Printf("failed to read group %s for join event: %v", invite.GroupId, err)
	} else {
		s.publish(r.Context(), group.MemberIds, event.Event{
			Type:    event.TypeUserJoined,
			GroupId: group.Id,
			Payload: s.marshalPayload(types.Member{User: sess.user}),
		})
	}

	s.writeJson(w, http.StatusOK, nil)
}

func (s *Server) rejectInvite(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	invite, err := s.backend.ReadInvite(r.Context(), r.PathValue("invite_id"))
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if invite.Email != sess.user.Email {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.backend.DeleteInvite(r.Context(), invite.Id); err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, nil)
}

// revokeInvite lets a group member withdraw a pending invite.
func (s *Server) revokeInvite(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	invite, err := s.backend.ReadInvite(r.Context(), r.PathValue("invite_id"))
	if err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, errResp := s.loadMemberGroup(r.Context(), invite.GroupId, sess.user.Id); errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.backend.DeleteInvite(r.Context(), invite.Id); err != nil {
		errResp := newBackendError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, nil)
}

// seenScope keys read markers per user, so members of the same group
// never share or overwrite each other's markers.
func seenScope(userId, groupId string) string {
	return userId + "/" + groupId
}

func (s *Server) getSeen(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	group, errResp := s.loadMemberGroup(r.Context(), r.PathValue("group_id"), sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chat := types.ChatRef{
		Type: r.URL.Query().Get("chat_type"),
		Id:   r.URL.Query().Get("chat_id"),
	}
	if chat.IsZero() {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	seen, err := s.store.LastSeen(seenScope(sess.user.Id, group.Id), chat)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]time.Time{"seen_at": seen})
}

func (s *Server) putSeen(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())

	group, errResp := s.loadMemberGroup(r.Context(), r.PathValue("group_id"), sess.user.Id)
	if errResp != nil {
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SeenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	chat := types.ChatRef{Type: req.ChatType, Id: req.ChatId}
	if chat.IsZero() {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	seen := req.SeenAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}

	if err := s.store.SetLastSeen(seenScope(sess.user.Id, group.Id), chat, seen); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, nil)
}

// streamCredential issues the websocket credential for the session
// user's event topic. The returned URL points back at this server's
// subscribe endpoint, which relays frames to the upstream stream.
func (s *Server) streamCredential(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.mintToken(sess.user.Id, grantStream)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}

	s.writeJson(w, http.StatusOK, types.ChannelCredential{
		Topic: sess.user.Id,
		Token: token,
		URL:   scheme + "://" + r.Host + "/api/streams/subscribe",
	})
}
