package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/model"
	"github.com/bark-labs/bark-notify-hub/internal/service"
	"github.com/bark-labs/bark-notify-hub/internal/session"
	"github.com/bark-labs/bark-notify-hub/internal/storage"
	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleCreateBucket(c *fiber.Ctx) error {
	var bucket model.Bucket
	if err := c.BodyParser(&bucket); err != nil || strings.TrimSpace(bucket.Name) == "" {
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, "bucket name is required")
	}
	bucket.ID = ""
	bucket.CreatedAt = time.Time{}
	if !isAdmin(c) || bucket.OwnerID == "" {
		bucket.OwnerID = callerID(c)
	}
	if !isAdmin(c) {
		bucket.IsAdmin = false
	}
	if err := s.store.SaveBucket(c.UserContext(), &bucket); err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("bucket created", bucket))
}

func (s *Server) handleGrantPermission(c *fiber.Ctx) error {
	ctx := c.UserContext()
	bucket, err := s.store.GetBucket(ctx, c.Params("bucketId"))
	if err != nil {
		return s.reply(c, err)
	}
	if !isAdmin(c) && bucket.OwnerID != callerID(c) {
		return s.fail(c, http.StatusForbidden, model.ForbiddenCode, "only the owner can share a bucket")
	}
	var perm model.EntityPermission
	if err := c.BodyParser(&perm); err != nil || strings.TrimSpace(perm.UserID) == "" {
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, "userId is required")
	}
	perm.ID = ""
	perm.BucketID = bucket.ID
	if err := s.store.SavePermission(ctx, &perm); err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("permission granted", perm))
}

func (s *Server) handleCreateMessage(c *fiber.Ctx) error {
	var msg model.Message
	if err := c.BodyParser(&msg); err != nil {
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, "malformed request body")
	}
	msg.ID = ""
	ctx := c.UserContext()
	if !isAdmin(c) {
		ok, err := s.canWrite(ctx, callerID(c), msg.BucketID)
		if err != nil {
			return s.reply(c, err)
		}
		if !ok {
			return s.fail(c, http.StatusForbidden, model.ForbiddenCode, "no write access to bucket")
		}
	}
	notifications, err := s.engine.OnMessageCreated(ctx, &msg)
	if err != nil && len(notifications) == 0 {
		return s.reply(c, err)
	}
	text := "message accepted"
	if err != nil {
		s.log.Warn("message partially fanned out", logx.String("message", msg.ID), logx.Err(err))
		text = "message accepted with errors: " + err.Error()
	}
	return c.JSON(model.Success(text, fiber.Map{
		"message":       msg,
		"notifications": notifications,
	}))
}

// canWrite allows the bucket owner and users granted WRITE or ADMIN.
func (s *Server) canWrite(ctx context.Context, userID, bucketID string) (bool, error) {
	bucket, err := s.store.GetBucket(ctx, bucketID)
	if err != nil {
		return false, err
	}
	if bucket.OwnerID == userID {
		return true, nil
	}
	perms, err := s.store.ListPermissions(ctx, bucketID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p.UserID != userID {
			continue
		}
		for _, level := range p.Permissions {
			if level == model.PermissionWrite || level == model.PermissionAdmin {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Server) handleListNotifications(c *fiber.Ctx) error {
	list := s.engine.Notifications(targetUser(c))
	if state := strings.ToUpper(c.Query("state")); state != "" {
		kept := list[:0]
		for _, n := range list {
			if string(n.State) == state {
				kept = append(kept, n)
			}
		}
		list = kept
	}
	return c.JSON(model.Success("ok", list))
}

// ownNotification loads a notification the caller may act on.
func (s *Server) ownNotification(c *fiber.Ctx) (*model.Notification, error) {
	n, err := s.engine.Notification(c.Params("id"))
	if err != nil {
		return nil, err
	}
	if !isAdmin(c) && n.UserID != callerID(c) {
		return nil, storage.ErrNotFound
	}
	return n, nil
}

func (s *Server) handleGetNotification(c *fiber.Ctx) error {
	n, err := s.ownNotification(c)
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("ok", n))
}

func (s *Server) handleDeleteNotification(c *fiber.Ctx) error {
	if _, err := s.ownNotification(c); err != nil {
		return s.reply(c, err)
	}
	n, err := s.engine.DeleteNotification(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("notification deleted", n))
}

func (s *Server) handleDeleteNotifications(c *fiber.Ctx) error {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, "malformed request body")
	}
	ids := req.IDs
	if !isAdmin(c) {
		ids = ids[:0:0]
		for _, id := range req.IDs {
			if n, err := s.engine.Notification(id); err == nil && n.UserID == callerID(c) {
				ids = append(ids, id)
			}
		}
	}
	deleted, err := s.engine.DeleteNotifications(c.UserContext(), ids)
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("notifications deleted", fiber.Map{"deleted": deleted}))
}

func (s *Server) handleAck(kind model.AckKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		owned, err := s.ownNotification(c)
		if err != nil {
			return s.reply(c, err)
		}
		var req struct {
			DeviceID string `json:"deviceId"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return s.fail(c, http.StatusBadRequest, model.InvalidCode, "malformed request body")
			}
		}
		req.DeviceID = strings.TrimSpace(req.DeviceID)
		if req.DeviceID != "" {
			// the device must belong to the notification's recipient
			_, err := s.deviceSvc.Get(c.UserContext(), owned.UserID, req.DeviceID)
			if errors.Is(err, storage.ErrNotFound) {
				return s.fail(c, http.StatusBadRequest, model.InvalidCode, "unknown device")
			}
			if err != nil {
				return s.reply(c, err)
			}
		}
		n, err := s.engine.OnDeviceAcknowledged(c.UserContext(), c.Params("id"), req.DeviceID, kind)
		if err != nil {
			return s.reply(c, err)
		}
		return c.JSON(model.Success("ok", n))
	}
}

func (s *Server) handlePostpone(c *fiber.Ctx) error {
	if _, err := s.ownNotification(c); err != nil {
		return s.reply(c, err)
	}
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, "malformed request body")
	}
	p, err := s.engine.OnPostponeRequested(c.UserContext(), c.Params("id"), req.Minutes)
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("postponed", p))
}

func (s *Server) handleListPostpones(c *fiber.Ctx) error {
	n, err := s.ownNotification(c)
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("ok", s.engine.Postpones(n.ID)))
}

func (s *Server) handleCancelPostpone(c *fiber.Ctx) error {
	p, err := s.engine.Postpone(c.Params("id"))
	if err == nil && !isAdmin(c) && p.UserID != callerID(c) {
		err = storage.ErrNotFound
	}
	if err != nil {
		return s.reply(c, err)
	}
	if !s.engine.CancelPostpone(c.UserContext(), p.ID) {
		return s.fail(c, http.StatusNotFound, model.NotFoundCode, "postpone not found")
	}
	return c.JSON(model.Success("postpone cancelled", nil))
}

func (s *Server) handleSubscribe(c *fiber.Ctx) error {
	ub, err := s.engine.Subscribe(c.UserContext(), c.Params("bucketId"), c.Params("userId"))
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("subscribed", ub))
}

func (s *Server) handleMuteStatus(c *fiber.Ctx) error {
	status, err := s.engine.MuteStatus(c.UserContext(), c.Params("bucketId"), c.Params("userId"))
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("ok", status))
}

func (s *Server) handleSetSnooze(c *fiber.Ctx) error {
	var req struct {
		Until *time.Time `json:"snoozeUntil"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, "snoozeUntil must be RFC3339 or null")
	}
	ub, err := s.engine.SetBucketSnooze(c.UserContext(), c.Params("bucketId"), c.Params("userId"), req.Until)
	return s.snoozeReply(c, ub, err)
}

func (s *Server) handleSetSnoozeMinutes(c *fiber.Ctx) error {
	var req struct {
		Minutes *int `json:"minutes"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return s.fail(c, http.StatusBadRequest, model.InvalidCode, "malformed request body")
		}
	}
	minutes := s.defaultSnooze
	if req.Minutes != nil {
		minutes = *req.Minutes
	}
	ub, err := s.engine.SetBucketSnoozeMinutes(c.UserContext(), c.Params("bucketId"), c.Params("userId"), minutes)
	return s.snoozeReply(c, ub, err)
}

func (s *Server) handleGetSnoozes(c *fiber.Ctx) error {
	ub, err := s.engine.Subscription(c.UserContext(), c.Params("bucketId"), c.Params("userId"))
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("ok", ub))
}

func (s *Server) handleUpdateSnoozes(c *fiber.Ctx) error {
	var req struct {
		Snoozes  []model.SnoozeSchedule `json:"snoozes"`
		Timezone string                 `json:"timezone"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, "malformed request body")
	}
	ub, err := s.engine.UpdateBucketSnoozes(c.UserContext(), c.Params("bucketId"), c.Params("userId"), req.Snoozes, req.Timezone)
	return s.snoozeReply(c, ub, err)
}

func (s *Server) snoozeReply(c *fiber.Ctx, ub *model.UserBucket, err error) error {
	if err != nil {
		return s.reply(c, err)
	}
	if s.sessions != nil {
		s.sessions.Publish(ub.UserID, session.Event{Type: session.EventSnooze, Data: ub})
	}
	return c.JSON(model.Success("snooze updated", ub))
}

func (s *Server) handleListDevices(c *fiber.Ctx) error {
	views, err := s.deviceSvc.ListViews(c.UserContext(), targetUser(c))
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("ok", views))
}

func (s *Server) handleRegisterDevice(c *fiber.Ctx) error {
	var req service.DeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, "malformed request body")
	}
	userID := callerID(c)
	if isAdmin(c) && c.Query("userId") != "" {
		userID = c.Query("userId")
	}
	device, err := s.deviceSvc.Register(c.UserContext(), userID, req)
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("device registered", device))
}

func (s *Server) handleDeviceStatus(c *fiber.Ctx) error {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, model.InvalidCode, "malformed request body")
	}
	device, err := s.deviceSvc.UpdateStatus(c.UserContext(), ownerScope(c), c.Params("id"), req.Status)
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("status updated", device))
}

func (s *Server) handleUnregisterDevice(c *fiber.Ctx) error {
	if err := s.deviceSvc.Unregister(c.UserContext(), ownerScope(c), c.Params("id")); err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("device removed", nil))
}

// ownerScope is empty for admins so device lookups skip the owner check.
func ownerScope(c *fiber.Ctx) string {
	if isAdmin(c) {
		return ""
	}
	return callerID(c)
}

func (s *Server) handleLogList(c *fiber.Ctx) error {
	page, err := s.logSvc.Query(c.UserContext(), parseLogFilter(c))
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("ok", page))
}

func (s *Server) handleLogCountDate(c *fiber.Ctx) error {
	begin, end := parseTimeRange(c)
	data, err := s.logSvc.CountByDate(c.UserContext(), c.Query("dateType", "day"), begin, end)
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("ok", data))
}

func (s *Server) handleLogCountStatus(c *fiber.Ctx) error {
	begin, end := parseTimeRange(c)
	data, err := s.logSvc.CountByStatus(c.UserContext(), begin, end)
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("ok", data))
}

func (s *Server) handleLogCountBucket(c *fiber.Ctx) error {
	begin, end := parseTimeRange(c)
	data, err := s.logSvc.CountByBucket(c.UserContext(), begin, end)
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("ok", data))
}

func (s *Server) handleLogCountDevice(c *fiber.Ctx) error {
	begin, end := parseTimeRange(c)
	data, err := s.logSvc.CountByDevice(c.UserContext(), begin, end)
	if err != nil {
		return s.reply(c, err)
	}
	return c.JSON(model.Success("ok", data))
}

func parseLogFilter(c *fiber.Ctx) model.DeliveryLogFilter {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("pageSize", "10"))
	begin, end := parseTimeRange(c)
	return model.DeliveryLogFilter{
		DeviceID:  c.Query("deviceId"),
		UserID:    c.Query("userId"),
		BucketID:  c.Query("bucketId"),
		Status:    c.Query("status"),
		BeginTime: begin,
		EndTime:   end,
		Page:      page,
		PageSize:  pageSize,
	}
}

func parseTimeRange(c *fiber.Ctx) (*time.Time, *time.Time) {
	return parseTime(c.Query("beginTime")), parseTime(c.Query("endTime"))
}

func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
