package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lagrange-go/lagrange/pkg/session"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Uin             uint32 `json:"uin"`
	Uid             string `json:"uid"`
	State           string `json:"state"`
	Online          bool   `json:"online"`
	StartTime       int64  `json:"start_time"`
	LockTimes       uint64 `json:"lock_times"`
	RecvPacketCount uint64 `json:"recv_packet_count"`
	SentPacketCount uint64 `json:"sent_packet_count"`
	LostPacketCount uint64 `json:"lost_packet_count"`
	RemoteIP        string `json:"remote_ip,omitempty"`
	RemotePort      int    `json:"remote_port,omitempty"`
}

// LoginRequest is the body of POST /api/v1/login.
type LoginRequest struct {
	Password string `json:"password"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) status() StatusResponse {
	st := s.sess.State()
	stats := s.sess.Statistics()
	return StatusResponse{
		Uin:             s.sess.Uin(),
		Uid:             s.sess.Uid(),
		State:           st.String(),
		Online:          st == session.StateOnline,
		StartTime:       stats.StartTime.Unix(),
		LockTimes:       stats.LockTimes,
		RecvPacketCount: stats.RecvPacketCount,
		SentPacketCount: stats.SentPacketCount,
		LostPacketCount: stats.LostPacketCount,
		RemoteIP:        stats.RemoteIP,
		RemotePort:      stats.RemotePort,
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleQrCode(c *gin.Context) {
	img := s.sess.LastQrCode()
	if len(img) == 0 {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no qrcode fetched"})
		return
	}
	c.Data(http.StatusOK, "image/png", img)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request", Message: err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.LoginTimeout)
	defer cancel()
	if err := s.sess.Login(ctx, req.Password); err != nil {
		s.log.Warn().Err(err).Msg("login via admin api failed")
		c.JSON(loginStatus(err), loginError(err))
		return
	}
	c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleLogout(c *gin.Context) {
	s.sess.Terminate()
	c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": s.sess.State().String()})
}

func loginStatus(err error) int {
	var (
		le *session.LoginError
		qe *session.QrCodeError
		ne *session.NetworkError
		te *session.TransitionError
	)
	switch {
	case errors.As(err, &le), errors.As(err, &qe), errors.Is(err, session.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrKickedOff), errors.As(err, &te), errors.Is(err, session.ErrLoginInProgress):
		return http.StatusConflict
	case errors.As(err, &ne), errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func loginError(err error) errorResponse {
	resp := errorResponse{Error: err.Error()}
	var (
		le *session.LoginError
		ne *session.NetworkError
	)
	switch {
	case errors.As(err, &le):
		resp.Code, resp.Message = le.Code, le.Message
	case errors.As(err, &ne):
		resp.Code, resp.Message = ne.Code, ne.Message
	}
	return resp
}
