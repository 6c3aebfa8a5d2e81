package api

import "github.com/gofiber/fiber/v2"

// Dashboard handles GET /dashboard with a static status page that polls the
// usage endpoint from the browser.
func Dashboard(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(dashboardHTML)
}

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>tierproxy</title>
<style>
body { font-family: ui-monospace, monospace; margin: 2rem; background: #111; color: #ddd; }
h1 { font-size: 1.2rem; }
table { border-collapse: collapse; margin-top: 1rem; }
td, th { border: 1px solid #444; padding: 0.4rem 0.8rem; text-align: right; }
th:first-child, td:first-child { text-align: left; }
#status { color: #8c8; }
</style>
</head>
<body>
<h1>tierproxy <span id="status">loading…</span></h1>
<table id="usage">
<thead><tr><th>route</th><th>requests</th><th>prompt</th><th>completion</th><th>total</th><th>%</th></tr></thead>
<tbody></tbody>
</table>
<script>
async function refresh() {
  try {
    const res = await fetch('/usage', { headers: authHeaders() });
    const snap = await res.json();
    const tbody = document.querySelector('#usage tbody');
    tbody.innerHTML = '';
    for (const route of ['cheap', 'medium', 'frontier', 'unknown']) {
      const s = snap.routes[route] || {};
      const pct = snap.percentages[route];
      const row = document.createElement('tr');
      row.innerHTML = '<td>' + route + '</td><td>' + (s.requests || 0) + '</td><td>' +
        (s.promptTokens || 0) + '</td><td>' + (s.completionTokens || 0) + '</td><td>' +
        (s.totalTokens || 0) + '</td><td>' + (pct === undefined ? '-' : pct.toFixed(1)) + '</td>';
      tbody.appendChild(row);
    }
    document.getElementById('status').textContent = 'ok';
  } catch (err) {
    document.getElementById('status').textContent = 'unreachable';
  }
}
function authHeaders() {
  const key = localStorage.getItem('routerApiKey');
  return key ? { authorization: 'Bearer ' + key } : {};
}
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
