package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomforge/roomforge/internal/factory/analysis"
	"github.com/roomforge/roomforge/internal/factory/build"
	"github.com/roomforge/roomforge/internal/factory/validation"
)

const (
	defaultMaxPlayers = 4
	maxPlayersCeiling = 100
)

// Upload accepts a game file, validates and analyzes it, then builds and
// launches a container for it. The response carries the instance snapshot
// and, for JavaScript games, the analysis report.
func (a *APIStore) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		a.sendError(c, http.StatusBadRequest, "upload requires a \"file\" form field", a.errDetails(err))

		return
	}

	name := c.PostForm("name")
	if name == "" {
		name = "Game Server"
	}
	description := c.PostForm("description")

	maxPlayers := defaultMaxPlayers
	if raw := c.PostForm("max_players"); raw != "" {
		maxPlayers, err = strconv.Atoi(raw)
		if err != nil || maxPlayers < 1 || maxPlayers > maxPlayersCeiling {
			a.sendError(c, http.StatusBadRequest,
				fmt.Sprintf("max_players must be an integer between 1 and %d", maxPlayersCeiling), nil)

			return
		}
	}

	file, err := header.Open()
	if err != nil {
		a.sendError(c, http.StatusBadRequest, "could not read the uploaded file", a.errDetails(err))

		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		a.sendError(c, http.StatusBadRequest, "could not read the uploaded file", a.errDetails(err))

		return
	}

	result := a.validator.Validate(header.Filename, content)
	if !result.Accepted {
		a.sendError(c, http.StatusBadRequest, result.Message, nil)

		return
	}

	var report analysis.Result
	if result.Metadata.FileType == validation.TypeJS {
		report = analysis.Analyze(string(content))
		if !report.IsValid {
			a.sendError(c, http.StatusBadRequest, "game code failed analysis", map[string]any{
				"syntax_errors":   report.SyntaxErrors,
				"security_issues": report.HighSeverityIssues(),
			})

			return
		}
	}

	payload, err := a.buildPayload(result.Metadata, content)
	if err != nil {
		a.sendError(c, http.StatusBadRequest, err.Error(), nil)

		return
	}

	instanceID := a.registry.NewInstanceID(name)
	a.registry.Create(instanceID, name, description, payload.GameType, maxPlayers)

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.config.UploadTimeout)
	defer cancel()

	launch, err := a.builder.Launch(ctx, build.Spec{
		InstanceID:  instanceID,
		DisplayName: name,
		MaxPlayers:  maxPlayers,
		Payload:     payload,
	})
	if err != nil {
		if errors.Is(err, build.ErrAdmissionRefused) {
			a.registry.Remove(instanceID)
			a.sendError(c, http.StatusServiceUnavailable, err.Error(), nil)

			return
		}

		a.registry.MarkError(instanceID, err.Error())

		zap.L().Error("Launch failed",
			zap.String("instance_id", instanceID),
			zap.Error(err))

		details := map[string]any{"instance_id": instanceID}
		if a.config.Debug {
			details["error"] = err.Error()
		}
		a.sendError(c, http.StatusInternalServerError, "failed to build or start the game server", details)

		return
	}

	a.registry.MarkRunning(instanceID, launch.ContainerID, launch.ImageTag, launch.HostPort)

	snapshot, _ := a.registry.Get(ctx, instanceID)

	response := gin.H{
		"message":   result.Message,
		"server_id": snapshot.InstanceID,
		"server":    snapshot,
	}
	if result.Metadata.FileType == validation.TypeJS {
		response["analysis"] = gin.H{
			"warnings":        report.Warnings,
			"suggestions":     report.Suggestions,
			"security_issues": report.SecurityIssues,
		}
	}

	c.JSON(http.StatusOK, response)
}

// buildPayload shapes the validated upload for the build context.
func (a *APIStore) buildPayload(metadata validation.Metadata, content []byte) (build.Payload, error) {
	switch metadata.FileType {
	case validation.TypeJS:
		return build.Payload{GameType: build.GameTypeJS, JSSource: string(content)}, nil
	case validation.TypeHTML:
		return build.Payload{
			GameType:  build.GameTypeHTML,
			IndexPath: "index.html",
			Files:     map[string][]byte{"index.html": content},
		}, nil
	case validation.TypeZip:
		files, err := a.validator.ExtractBundle(content)
		if err != nil {
			return build.Payload{}, err
		}

		return build.Payload{
			GameType:  build.GameTypeHTML,
			IndexPath: path.Clean(metadata.IndexPath),
			Files:     files,
		}, nil
	default:
		return build.Payload{}, fmt.Errorf("unknown file type %q", metadata.FileType)
	}
}
