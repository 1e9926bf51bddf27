package api

import (
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
)

// chartPage serves the minimal HTML document the headless-browser
// collaborator screenshots. It draws the chart onto a fixed-size canvas
// from inlined payload data; nothing here is user-facing. The route
// sits outside the bearer middleware and redeems a single-use token
// instead, since the browser carries no credentials.
func (h *Handler) chartPage(c *gin.Context) {
	chartID := c.Param("id")
	ownerID, ok := h.pageTokens.Redeem(c.Query("page_token"), chartID)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "AUTH_REQUIRED", "error": "invalid or expired page token"})
		return
	}
	chart, ok := h.loadChart(c, ownerID, chartID)
	if !ok {
		return
	}
	payload, err := json.Marshal(chart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode chart failed"})
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := chartPageTemplate.Execute(c.Writer, map[string]interface{}{
		"Title":   chart.Title,
		"Payload": template.JS(payload),
	}); err != nil {
		// headers are gone already; nothing to do but log via gin recovery
		_ = err
	}
}

var chartPageTemplate = template.Must(template.New("chartpage").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  body { margin: 0; background: #ffffff; font-family: Helvetica, Arial, sans-serif; }
  #frame { width: 900px; height: 450px; }
</style>
</head>
<body>
<canvas id="frame" width="900" height="450"></canvas>
<script>
(function () {
  var chart = {{.Payload}};
  var canvas = document.getElementById("frame");
  var ctx = canvas.getContext("2d");
  var colors = ["#2563eb", "#dc2626", "#16a34a", "#d97706", "#7c3aed", "#0891b2"];
  var pad = { top: 40, right: 20, bottom: 40, left: 60 };
  var plotW = canvas.width - pad.left - pad.right;
  var plotH = canvas.height - pad.top - pad.bottom;

  var series = chart.dataSeries || [];
  var maxLen = 0, minY = Infinity, maxY = -Infinity;
  series.forEach(function (s) {
    maxLen = Math.max(maxLen, s.data.length);
    s.data.forEach(function (p) {
      minY = Math.min(minY, p.y);
      maxY = Math.max(maxY, p.y);
    });
  });
  if (!isFinite(minY)) { minY = 0; maxY = 1; }
  if (minY === maxY) { maxY = minY + 1; }
  if (minY > 0) { minY = 0; }

  function xPos(i) { return pad.left + (maxLen <= 1 ? plotW / 2 : (i / (maxLen - 1)) * plotW); }
  function yPos(v) { return pad.top + plotH - ((v - minY) / (maxY - minY)) * plotH; }

  ctx.fillStyle = "#111827";
  ctx.font = "bold 16px Helvetica";
  ctx.textAlign = "center";
  ctx.fillText(chart.title || "", canvas.width / 2, 24);

  ctx.strokeStyle = "#9ca3af";
  ctx.beginPath();
  ctx.moveTo(pad.left, pad.top);
  ctx.lineTo(pad.left, pad.top + plotH);
  ctx.lineTo(pad.left + plotW, pad.top + plotH);
  ctx.stroke();

  ctx.font = "11px Helvetica";
  ctx.fillStyle = "#4b5563";
  for (var t = 0; t <= 4; t++) {
    var v = minY + ((maxY - minY) * t) / 4;
    ctx.textAlign = "right";
    ctx.fillText(v.toFixed(1), pad.left - 6, yPos(v) + 4);
  }
  if (series.length > 0) {
    var labels = series[0].data;
    series.forEach(function (s) { if (s.data.length > labels.length) { labels = s.data; } });
    var step = Math.max(1, Math.ceil(labels.length / 12));
    ctx.textAlign = "center";
    for (var i = 0; i < labels.length; i += step) {
      ctx.fillText(labels[i].x, xPos(i), pad.top + plotH + 16);
    }
  }

  series.forEach(function (s, si) {
    var color = colors[si % colors.length];
    if (chart.type === "bar") {
      var slot = plotW / Math.max(1, maxLen);
      var barW = (slot * 0.7) / series.length;
      ctx.fillStyle = color;
      s.data.forEach(function (p, i) {
        var x = xPos(i) - (slot * 0.35) + si * barW;
        ctx.fillRect(x, yPos(p.y), barW, yPos(minY) - yPos(p.y));
      });
      return;
    }
    ctx.strokeStyle = color;
    ctx.lineWidth = 2;
    ctx.beginPath();
    s.data.forEach(function (p, i) {
      if (i === 0) { ctx.moveTo(xPos(i), yPos(p.y)); } else { ctx.lineTo(xPos(i), yPos(p.y)); }
    });
    ctx.stroke();
    if (chart.type === "area") {
      ctx.lineTo(xPos(s.data.length - 1), yPos(minY));
      ctx.lineTo(xPos(0), yPos(minY));
      ctx.closePath();
      ctx.fillStyle = color + "33";
      ctx.fill();
    }
  });

  ctx.font = "12px Helvetica";
  ctx.textAlign = "left";
  series.forEach(function (s, si) {
    var x = pad.left + si * 140;
    ctx.fillStyle = colors[si % colors.length];
    ctx.fillRect(x, canvas.height - 14, 10, 10);
    ctx.fillStyle = "#111827";
    ctx.fillText(s.name, x + 14, canvas.height - 5);
  });
})();
</script>
</body>
</html>
`))
