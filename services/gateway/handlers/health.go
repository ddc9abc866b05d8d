// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// healthBody is the fixed liveness response.
var healthBody = gin.H{"status": "ok", "service": "relaygate"}

// HealthCheck handles GET /health. Liveness only: it reports that the
// process is serving, not that the upstream provider or stores are
// reachable.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, healthBody)
}
