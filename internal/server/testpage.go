package server

import (
	"fmt"
	"net/http"

	"github.com/Tyrowin/groupchat/internal/logging"
)

// TestPageHandler serves an HTML page for trying the service from a browser:
// register, log in, create or join a group, and chat over the group socket
// while watching the notification channel.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		logging.Debug().Err(err).Msg("error writing HTML response")
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Group Chat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .log {
            border: 1px solid #ccc;
            height: 260px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"], input[type="password"] {
            width: 180px;
            padding: 5px;
            margin-right: 10px;
        }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Group Chat Test</h1>

    <div>
        <input type="text" id="username" placeholder="username">
        <input type="password" id="password" placeholder="password">
        <button onclick="account('/register')">Register</button>
        <button onclick="account('/login')">Log in</button>
        <button onclick="account('/logout')">Log out</button>
    </div>

    <div style="margin-top: 10px">
        <input type="text" id="groupName" placeholder="new group name">
        <button onclick="createGroup()">Create group</button>
        <input type="text" id="groupId" placeholder="group id">
        <button onclick="joinGroup()">Join</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages" class="log"></div>
    <h3>Notifications</h3>
    <div id="notifications" class="log" style="height: 100px"></div>

    <script>
        let ws = null;
        const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
        const messagesDiv = document.getElementById('messages');
        const notificationsDiv = document.getElementById('notifications');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(target, text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            target.appendChild(el);
            target.scrollTop = target.scrollHeight;
        }

        function addMessage(data) {
            try {
                const evt = JSON.parse(data);
                addLine(messagesDiv, evt.author + ': ' + evt.content, 'green');
            } catch (e) {
                addLine(messagesDiv, data);
            }
        }

        async function post(path, body) {
            const resp = await fetch(path, { method: 'POST', body: new URLSearchParams(body) });
            const text = await resp.text();
            addLine(messagesDiv, path + ' -> ' + resp.status + ' ' + text);
            return resp.ok ? JSON.parse(text) : null;
        }

        function account(path) {
            post(path, {
                username: document.getElementById('username').value,
                password: document.getElementById('password').value
            });
        }

        async function createGroup() {
            const group = await post('/api/groups', { name: document.getElementById('groupName').value });
            if (group) {
                document.getElementById('groupId').value = group.id;
            }
        }

        function joinGroup() {
            post('/api/groups/join', { group_id: document.getElementById('groupId').value });
        }

        async function loadHistory(groupId) {
            const resp = await fetch('/api/messages?group_id=' + groupId);
            if (resp.ok) {
                (await resp.json()).forEach(m => addLine(messagesDiv, m.author + ': ' + m.content, 'black'));
            }
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        async function connect() {
            const groupId = document.getElementById('groupId').value.trim();
            if (!groupId) {
                addLine(messagesDiv, 'Enter a group id first');
                return;
            }
            await loadHistory(groupId);
            ws = new WebSocket(scheme + location.host + '/ws/chat/' + groupId);
            ws.onopen = () => updateStatus(true);
            ws.onmessage = event => addMessage(event.data);
            ws.onclose = event => {
                addLine(messagesDiv, 'Connection closed (' + event.code + ')');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (message && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(message);
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', e => {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });

        const notices = new WebSocket(scheme + location.host + '/ws');
        notices.onmessage = event => addLine(notificationsDiv, event.data, 'blue');
    </script>
</body>
</html>`
