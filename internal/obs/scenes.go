package obs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SharedOverlayName is the single browser source shared by all field scenes.
const SharedOverlayName = "FTC Scoring System Overlay"

// OverlayURL builds the scoring system's audience display URL used as the
// overlay browser source. The magenta overlay color is keyed out by the
// chroma filter installed on the source.
func OverlayURL(scoringHost string, scoringPort int, eventCode string) string {
	return fmt.Sprintf("http://%s:%d/event/%s/display/"+
		"?type=audience&bindToField=all&scoringBarLocation=bottom&allianceOrientation=standard"+
		"&liveScores=true&mute=false&muteRandomizationResults=false&fieldStyleTimer=false"+
		"&overlay=true&overlayColor=%%23ff00ff&allianceSelectionStyle=classic&awardsStyle=overlay"+
		"&dualDivisionRankingStyle=sideBySide&rankingsFontSize=larger&showMeetRankings=false"+
		"&rankingsAllTeams=true",
		scoringHost, scoringPort, eventCode)
}

// ConfigureScenes is idempotent scene-graph provisioning: ensures a scene
// per field, a single shared overlay browser source with a chroma key
// filter, and the overlay present in every field scene. Newer switcher API
// calls are tried first with the older equivalents as fallbacks.
func (c *Client) ConfigureScenes(ctx context.Context, numFields int, overlayURL string) error {
	if numFields < 1 {
		return fmt.Errorf("invalid field count %d", numFields)
	}

	existingScenes, err := c.sceneNames(ctx)
	if err != nil {
		return fmt.Errorf("listing scenes: %w", err)
	}

	// Field scenes must exist before the overlay source can be parented to one.
	for i := 1; i <= numFields; i++ {
		name := fmt.Sprintf("Field %d", i)
		if contains(existingScenes, name) {
			continue
		}
		if _, err := c.call(ctx, "CreateScene", map[string]any{"sceneName": name}); err != nil {
			c.logger.Error("creating scene failed", slog.String("scene", name), slog.Any("error", err))
			continue
		}
		c.logger.Info("created scene", slog.String("scene", name))
	}

	sources, err := c.inputNames(ctx)
	if err != nil {
		c.logger.Warn("could not list inputs", slog.Any("error", err))
	}

	overlayExisted := contains(sources, SharedOverlayName)
	if !overlayExisted {
		if err := c.createOverlaySource(ctx, overlayURL); err != nil {
			c.logger.Error("creating overlay source failed", slog.Any("error", err))
		} else {
			// Let the switcher finish instantiating the source before
			// attaching a filter to it.
			time.Sleep(time.Second)
			if err := c.createChromaKeyFilter(ctx); err != nil {
				c.logger.Warn("adding chroma key filter failed", slog.Any("error", err))
			}
		}
	} else {
		// Overlay-merge semantics: keep the source, refresh its URL.
		if _, err := c.call(ctx, "SetInputSettings", map[string]any{
			"inputName":     SharedOverlayName,
			"inputSettings": map[string]any{"url": overlayURL},
			"overlay":       true,
		}); err != nil {
			c.logger.Warn("updating overlay URL failed", slog.Any("error", err))
		}
	}

	for i := 1; i <= numFields; i++ {
		name := fmt.Sprintf("Field %d", i)
		if err := c.ensureOverlayInScene(ctx, name, overlayExisted, i == 1); err != nil {
			c.logger.Warn("could not add overlay to scene",
				slog.String("scene", name), slog.Any("error", err))
		}
	}

	c.logger.Info("scene configuration completed", slog.Int("fields", numFields))
	return nil
}

// sceneNames lists existing scene names.
func (c *Client) sceneNames(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, "GetSceneList", nil)
	if err != nil {
		return nil, err
	}
	return namesFromList(resp.DataIn["scenes"], "sceneName"), nil
}

// inputNames lists existing input/source names.
func (c *Client) inputNames(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, "GetInputList", nil)
	if err != nil {
		return nil, err
	}
	return namesFromList(resp.DataIn["inputs"], "inputName"), nil
}

// createOverlaySource creates the shared browser source, preferring the
// newer CreateInput API and falling back to CreateSource.
func (c *Client) createOverlaySource(ctx context.Context, overlayURL string) error {
	settings := map[string]any{
		"url":                 overlayURL,
		"width":               1920,
		"height":              1080,
		"shutdown":            false,
		"restart_when_active": false,
		"reroute_audio":       true,
		"monitor_audio":       true,
	}

	_, err := c.call(ctx, "CreateInput", map[string]any{
		"sceneName":     "Field 1",
		"inputName":     SharedOverlayName,
		"inputKind":     "browser_source",
		"inputSettings": settings,
	})
	if err == nil {
		return nil
	}
	c.logger.Debug("CreateInput failed, trying CreateSource", slog.Any("error", err))

	_, err = c.call(ctx, "CreateSource", map[string]any{
		"sourceName":     SharedOverlayName,
		"sourceKind":     "browser_source",
		"sourceSettings": settings,
	})
	if err != nil {
		return fmt.Errorf("CreateInput and CreateSource both failed: %w", err)
	}
	return nil
}

// createChromaKeyFilter keys out the overlay's magenta background.
func (c *Client) createChromaKeyFilter(ctx context.Context) error {
	settings := map[string]any{
		"key_color_type":            "magenta",
		"key_color":                 16711935, // 0xFF00FF
		"similarity":                110,
		"smoothness":                80,
		"key_color_spill_reduction": 100,
		"opacity":                   1.0,
		"contrast":                  0.0,
		"brightness":                0.0,
		"gamma":                     0.0,
	}

	_, err := c.call(ctx, "CreateSourceFilter", map[string]any{
		"sourceName":     SharedOverlayName,
		"filterName":     "Chroma Key",
		"filterKind":     "chroma_key_filter_v2",
		"filterSettings": settings,
	})
	if err == nil {
		return nil
	}
	c.logger.Debug("chroma_key_filter_v2 failed, trying chroma_key_filter", slog.Any("error", err))

	_, err = c.call(ctx, "CreateSourceFilter", map[string]any{
		"sourceName":     SharedOverlayName,
		"filterName":     "Chroma Key",
		"filterKind":     "chroma_key_filter",
		"filterSettings": settings,
	})
	return err
}

// ensureOverlayInScene adds the shared overlay to a scene unless it is
// already an item there. Scene creation parents the overlay to Field 1, so
// a freshly created source is already present in that scene.
func (c *Client) ensureOverlayInScene(ctx context.Context, sceneName string, overlayExisted, isFirstScene bool) error {
	items, err := c.call(ctx, "GetSceneItemList", map[string]any{"sceneName": sceneName})
	if err == nil {
		if contains(namesFromList(items.DataIn["sceneItems"], "sourceName"), SharedOverlayName) {
			return nil
		}
	}

	if isFirstScene && !overlayExisted {
		return nil
	}

	_, err = c.call(ctx, "CreateSceneItem", map[string]any{
		"sceneName":  sceneName,
		"sourceName": SharedOverlayName,
	})
	if err == nil {
		return nil
	}
	c.logger.Debug("CreateSceneItem failed, trying AddSceneItem", slog.Any("error", err))

	_, err = c.call(ctx, "AddSceneItem", map[string]any{
		"sceneName":  sceneName,
		"sourceName": SharedOverlayName,
	})
	return err
}

// namesFromList pulls the named string field out of a []any of objects.
func namesFromList(list any, key string) []string {
	items, ok := list.([]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			if name, ok := obj[key].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
