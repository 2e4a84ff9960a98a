package build

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Game type tags stored in container labels.
const (
	GameTypeJS   = "js"
	GameTypeHTML = "html"
)

// Payload is the validated user upload, ready to be wired into a build
// context.
type Payload struct {
	GameType string

	// JSSource is set for js payloads.
	JSSource string

	// Files holds the html payload: relative path to content. For single
	// HTML uploads it has one entry; for ZIP bundles every extracted file.
	Files map[string][]byte

	// IndexPath names the entry inside Files that becomes game/index.html.
	IndexPath string
}

const dockerfileTemplate = `FROM node:20-alpine
WORKDIR /app
COPY package.json ./
RUN npm install --omit=dev
COPY . .
EXPOSE 8080
CMD ["node", "server.js"]
`

const packageJSONTemplate = `{
  "name": "roomforge-game",
  "version": "1.0.0",
  "private": true,
  "dependencies": {
    "express": "4.18.2",
    "axios": "1.6.0",
    "dotenv": "16.3.1"{{if .SocketIO}},
    "socket.io": "4.7.2"{{end}}
  }
}
`

// serverJSTemplate is the in-container loop: serve the game, accept player
// actions, heartbeat the matchmaker.
const serverJSTemplate = `'use strict';

require('dotenv').config();

const express = require('express');
const axios = require('axios');
const http = require('http');

const PORT = parseInt(process.env.PORT || '8080', 10);
const EXTERNAL_PORT = parseInt(process.env.EXTERNAL_PORT || String(PORT), 10);
const ROOM_NAME = process.env.ROOM_NAME || 'Unnamed Room';
const MATCHMAKER_URL = process.env.MATCHMAKER_URL || '';
const MAX_PLAYERS = {{.MaxPlayers}};
const HEARTBEAT_MS = {{.HeartbeatSeconds}} * 1000;

const app = express();
app.use(express.json());

const server = http.createServer(app);

let currentPlayers = 0;

{{if .SocketIO}}
const { Server } = require('socket.io');
const io = new Server(server, { cors: { origin: '*' } });

const game = require('./user_game');
const gameState = {};

io.on('connection', (socket) => {
  currentPlayers += 1;

  if (typeof game.handleConnection === 'function') {
    try {
      game.handleConnection(socket, gameState);
    } catch (err) {
      console.error('game handler failed:', err.message);
    }
  }

  socket.on('disconnect', () => {
    currentPlayers = Math.max(0, currentPlayers - 1);
  });
});

app.get('/', (_req, res) => {
  res.json({ room: ROOM_NAME, players: currentPlayers, max_players: MAX_PLAYERS });
});
{{else}}
app.use('/', express.static('game'));
{{end}}

app.post('/playerAction', (req, res) => {
  res.json({ ok: true, action: req.body && req.body.action });
});

app.post('/click', (_req, res) => {
  res.json({ ok: true });
});

app.get('/healthz', (_req, res) => {
  res.json({ status: 'ok', players: currentPlayers });
});

async function heartbeat() {
  if (!MATCHMAKER_URL) {
    return;
  }

  try {
    await axios.post(MATCHMAKER_URL + '/register', {
      ip: 'localhost',
      port: EXTERNAL_PORT,
      name: ROOM_NAME,
      max_players: MAX_PLAYERS,
      current_players: currentPlayers,
      metadata: { game_type: '{{.GameType}}', room_token: process.env.ROOM_TOKEN || '' },
    }, { timeout: 5000 });
  } catch (err) {
    // Registration is retried on the next beat.
    console.error('matchmaker registration failed:', err.message);
  }
}

server.listen(PORT, () => {
  console.log('game server listening on ' + PORT);
  heartbeat();
  setInterval(heartbeat, HEARTBEAT_MS);
});
`

var exportMarker = []string{"module.exports", "export "}

type serverParams struct {
	SocketIO         bool
	GameType         string
	MaxPlayers       int
	HeartbeatSeconds int
}

var (
	packageJSONTmpl = template.Must(template.New("package.json").Parse(packageJSONTemplate))
	serverJSTmpl    = template.Must(template.New("server.js").Parse(serverJSTemplate))
)

// MaterializeContext writes the full build context into dir: Dockerfile,
// package.json, the template server and the user payload.
func MaterializeContext(dir string, payload Payload, maxPlayers, heartbeatSeconds int) error {
	params := serverParams{
		SocketIO:         payload.GameType == GameTypeJS,
		GameType:         payload.GameType,
		MaxPlayers:       maxPlayers,
		HeartbeatSeconds: heartbeatSeconds,
	}

	var packageJSON bytes.Buffer
	if err := packageJSONTmpl.Execute(&packageJSON, params); err != nil {
		return fmt.Errorf("error rendering package.json: %w", err)
	}

	var serverJS bytes.Buffer
	if err := serverJSTmpl.Execute(&serverJS, params); err != nil {
		return fmt.Errorf("error rendering server.js: %w", err)
	}

	files := map[string][]byte{
		"Dockerfile":   []byte(dockerfileTemplate),
		"package.json": packageJSON.Bytes(),
		"server.js":    serverJS.Bytes(),
	}

	switch payload.GameType {
	case GameTypeJS:
		files["user_game.js"] = []byte(withExportShim(payload.JSSource))
	case GameTypeHTML:
		// The bundle keeps its layout so relative asset references keep
		// resolving; the chosen entry page is additionally copied to the
		// game root, where the static middleware serves it as the front
		// door.
		for path, content := range payload.Files {
			files["game/"+filepath.ToSlash(path)] = content
		}
		if index, ok := payload.Files[payload.IndexPath]; ok && payload.IndexPath != "index.html" {
			files["game/index.html"] = index
		}
	default:
		return fmt.Errorf("unknown game type %q", payload.GameType)
	}

	for name, content := range files {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("error creating context directory for %s: %w", name, err)
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return fmt.Errorf("error writing context file %s: %w", name, err)
		}
	}

	return nil
}

// withExportShim appends a default export when the user omitted one, so
// require('./user_game') always yields an object.
func withExportShim(source string) string {
	for _, marker := range exportMarker {
		if strings.Contains(source, marker) {
			return source
		}
	}

	return source + "\n\nmodule.exports = {};\n"
}

// TarContext streams dir as an uncompressed tar archive the way the image
// build endpoint consumes it.
func TarContext(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	writer := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}

		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relative)

		if err := writer.WriteHeader(header); err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error archiving build context: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("error finalizing build context archive: %w", err)
	}

	return &buf, nil
}
