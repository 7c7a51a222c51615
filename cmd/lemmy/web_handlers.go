package main

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/jim-taylor-business/lemmy/backup"
	"github.com/jim-taylor-business/lemmy/models"
	"github.com/jim-taylor-business/lemmy/moderation"
)

// Authentication is handled upstream (reverse proxy / session layer); these
// handlers trust the person named in the request.

func (srv *WebServer) lookupPerson(c echo.Context, name string) (*models.Person, error) {
	if name == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "missing person name")
	}

	var person models.Person
	if err := srv.db.WithContext(c.Request().Context()).First(&person, "name = ? AND local", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "no such local person")
		}
		return nil, err
	}
	return &person, nil
}

func (srv *WebServer) HandleExportSettings(c echo.Context) error {
	person, err := srv.lookupPerson(c, c.QueryParam("person"))
	if err != nil {
		return err
	}

	snapshot, err := srv.codec.Export(c.Request().Context(), person)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, snapshot)
}

func (srv *WebServer) HandleImportSettings(c echo.Context) error {
	person, err := srv.lookupPerson(c, c.QueryParam("person"))
	if err != nil {
		return err
	}

	var snapshot backup.UserBackup
	if err := c.Bind(&snapshot); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed backup document")
	}

	if err := srv.codec.Import(c.Request().Context(), person, &snapshot); err != nil {
		if errors.Is(err, backup.ErrBackupTooLarge) {
			return echo.NewHTTPError(http.StatusBadRequest, "backup too large")
		}
		return err
	}

	// The relationship import continues in the background.
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "lemmy"})
}

type banPersonRequest struct {
	Target     string  `json:"target"`
	Moderator  string  `json:"moderator"`
	Ban        bool    `json:"ban"`
	Reason     *string `json:"reason,omitempty"`
	RemoveData *bool   `json:"remove_or_restore_data,omitempty"`
	Expires    *int64  `json:"expires,omitempty"`
}

// HandleBanPerson applies a site ban and, for remote targets, fans it out to
// every local community the target has participated in.
func (srv *WebServer) HandleBanPerson(c echo.Context) error {
	var req banPersonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed ban request")
	}

	moderator, err := srv.lookupPerson(c, req.Moderator)
	if err != nil {
		return err
	}

	var target models.Person
	if err := srv.db.WithContext(c.Request().Context()).First(&target, "ap_id = ?", req.Target).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no such person")
		}
		return err
	}

	err = srv.propagator.PropagateBan(c.Request().Context(), &moderation.SiteBanCommand{
		Target:     &target,
		Moderator:  moderator,
		Ban:        req.Ban,
		Reason:     req.Reason,
		RemoveData: req.RemoveData,
		Expires:    req.Expires,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "lemmy"})
}
