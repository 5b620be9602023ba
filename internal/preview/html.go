package preview

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Detector de Accidentes</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: sans-serif; background: #111; color: #eee; }
        .app { max-width: 1100px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .badge { padding: 4px 10px; border-radius: 12px; background: #2d6a2d; }
        .badge.alert { background: #b00020; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; margin-top: 12px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        #stream { width: 100%; height: auto; background: #000; }
        ul { list-style: none; padding: 0; margin: 0; font-size: 13px; }
        li { padding: 4px 0; border-bottom: 1px solid #333; }
        a { color: #8ab4f8; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <h1>Detector de Accidentes</h1>
            <span class="badge" id="status-badge">Sin accidentes detectados</span>
        </div>
        <div class="grid">
            <div class="panel">
                <img id="stream" src="/stream" alt="Vista previa">
                <p id="engine-line">Esperando datos...</p>
            </div>
            <div class="panel">
                <h2>Eventos</h2>
                <ul id="events"></ul>
            </div>
        </div>
    </div>
    <script>
        const badge = document.getElementById('status-badge');
        const engineLine = document.getElementById('engine-line');
        const events = document.getElementById('events');

        const status = new EventSource('/api/status/stream');
        status.addEventListener('status', (e) => {
            const s = JSON.parse(e.data);
            badge.textContent = s.message;
            badge.classList.toggle('alert', s.message !== 'Sin accidentes detectados');
            if (s.engine) {
                engineLine.textContent = 'Frames: ' + s.engine.frames_processed +
                    '  Contador: ' + s.engine.count + '/' + s.engine.threshold +
                    (s.engine.recording ? '  Grabando: ' + s.engine.clip_path : '');
            }
        });

        function addEvent(text, href) {
            const li = document.createElement('li');
            if (href) {
                const a = document.createElement('a');
                a.href = href;
                a.textContent = text;
                li.appendChild(a);
            } else {
                li.textContent = text;
            }
            events.prepend(li);
            while (events.children.length > 20) events.removeChild(events.lastChild);
        }

        const stream = new EventSource('/api/events');
        stream.addEventListener('clip_started', (e) => {
            const ev = JSON.parse(e.data);
            const name = ev.clip_path.split('/').pop();
            addEvent('Accidente detectado: ' + name, '/clips/' + name);
        });
        stream.addEventListener('clip_finished', (e) => {
            const ev = JSON.parse(e.data);
            addEvent('Grabacion finalizada (' + (ev.clip_frames || 0) + ' frames)');
        });
        stream.addEventListener('snapshot', (e) => {
            const ev = JSON.parse(e.data);
            addEvent('Snapshot: ' + ev.snapshot_path.split('/').pop());
        });
    </script>
</body>
</html>
`
