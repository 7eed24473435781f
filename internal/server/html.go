package server

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Proctor Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .app { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        #stream { width: 100%; background: #000; }
        #log { font-family: monospace; font-size: 12px; height: 420px; overflow-y: auto; }
        .warn { color: #f5a623; }
        .fatal { color: #ff4d4f; }
        .badge { padding: 2px 8px; border-radius: 4px; background: #333; }
    </style>
</head>
<body>
    <div class="app">
        <div class="panel">
            <h2>Live Feed <span class="badge" id="status">Connecting...</span></h2>
            <img id="stream" src="/video_feed" alt="Monitored camera stream">
        </div>
        <div class="panel">
            <h2>Environment</h2>
            <select id="environment">
                <option value="classroom">classroom</option>
                <option value="home">home</option>
            </select>
            <h2>Events</h2>
            <div id="log"></div>
        </div>
    </div>
    <script>
        const log = document.getElementById('log');
        const status = document.getElementById('status');

        function append(text, cls) {
            const line = document.createElement('div');
            line.textContent = new Date().toLocaleTimeString() + ' ' + text;
            if (cls) line.className = cls;
            log.prepend(line);
        }

        const source = new EventSource('/api/events');
        source.addEventListener('verification_message', (e) => {
            const ev = JSON.parse(e.data);
            status.textContent = ev.message;
            append(ev.message, ev.terminal ? 'fatal' : '');
        });
        ['multiple_faces', 'no_face', 'not_looking'].forEach((name) => {
            source.addEventListener(name, (e) => {
                const ev = JSON.parse(e.data);
                if (ev.value) append(name, 'warn');
            });
        });
        source.addEventListener('close_camera', () => {
            status.textContent = 'Camera closed: no face detected';
            append('close_camera', 'fatal');
        });

        const env = document.getElementById('environment');
        fetch('/api/environment').then((r) => r.json()).then((d) => { env.value = d.environment; });
        env.addEventListener('change', () => {
            fetch('/api/environment', {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify({ environment: env.value }),
            }).then((r) => r.json()).then((d) => append('environment: ' + d.environment));
        });
    </script>
</body>
</html>
`
