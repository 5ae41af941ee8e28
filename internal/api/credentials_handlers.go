package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/errors"
	"github.com/soulstream/soulstream/internal/credentials"
)

func (s *Server) profilesConfigured(c *gin.Context) bool {
	if s.deps.Store == nil || s.deps.Swapper == nil {
		respondError(c, errors.Unavailable("credential profiles are not configured"))
		return false
	}
	return true
}

func credentialError(err error) error {
	var notFound *credentials.ErrProfileNotFound
	if stderrors.As(err, &notFound) {
		return errors.ProfileNotFound(notFound.Name)
	}
	var invalid *credentials.ErrInvalidName
	if stderrors.As(err, &invalid) {
		return errors.InvalidArgument(err.Error())
	}
	return errors.Internal("credential operation failed", err)
}

func (s *Server) handleListProfiles(c *gin.Context) {
	if !s.profilesConfigured(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profiles": s.deps.Store.ListProfiles(),
		"active":   activeOrNil(s.deps.Store),
	})
}

func (s *Server) handleActiveProfile(c *gin.Context) {
	if !s.profilesConfigured(c) {
		return
	}

	active := s.deps.Store.GetActive()
	if active == "" {
		c.JSON(http.StatusOK, gin.H{"active": nil, "profile": nil})
		return
	}

	var meta any
	for _, p := range s.deps.Store.ListProfiles() {
		if p.Name == active {
			meta = p
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"active": active, "profile": meta})
}

func (s *Server) handleSaveProfile(c *gin.Context) {
	if !s.profilesConfigured(c) {
		return
	}

	name := c.Param("name")
	if err := s.deps.Swapper.SaveCurrentAs(name); err != nil {
		respondError(c, credentialError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "saved": true})
}

func (s *Server) handleActivateProfile(c *gin.Context) {
	if !s.profilesConfigured(c) {
		return
	}

	name := c.Param("name")
	if err := s.deps.Swapper.Activate(name); err != nil {
		s.logger.Error("profile activation failed",
			zap.String("profile", name), zap.Error(err))
		respondError(c, credentialError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"activated": name})
}

func (s *Server) handleDeleteProfile(c *gin.Context) {
	if !s.profilesConfigured(c) {
		return
	}

	name := c.Param("name")
	deleted, err := s.deps.Store.Delete(name)
	if err != nil {
		respondError(c, credentialError(err))
		return
	}
	if !deleted {
		respondError(c, errors.ProfileNotFound(name))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "name": name})
}

func (s *Server) handleAllRateLimits(c *gin.Context) {
	if !s.profilesConfigured(c) {
		return
	}
	if s.deps.Tracker == nil {
		respondError(c, errors.Unavailable("rate limit tracking is not enabled"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active_profile": activeOrNil(s.deps.Store),
		"profiles":       s.deps.Tracker.GetAllProfilesStatus(),
	})
}

func (s *Server) handleProfileRateLimits(c *gin.Context) {
	if !s.profilesConfigured(c) {
		return
	}
	if s.deps.Tracker == nil {
		respondError(c, errors.Unavailable("rate limit tracking is not enabled"))
		return
	}

	name := c.Param("name")
	status := s.deps.Tracker.GetProfileStatus(name)
	response := gin.H{"name": name}
	for k, v := range status {
		response[k] = v
	}
	c.JSON(http.StatusOK, response)
}

func activeOrNil(store *credentials.Store) any {
	if active := store.GetActive(); active != "" {
		return active
	}
	return nil
}
