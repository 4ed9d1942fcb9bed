package linker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fadidahanna/redisraft/internal/sharding"
)

// movedError is a leader redirect from a contacted node. Link and refresh
// follow it at most once.
type movedError struct {
	addr string
}

func (e *movedError) Error() string {
	return "redirected to " + e.addr
}

// client is a minimal RESP client for the cross-cluster handshake. It only
// needs to issue SHARDGROUP GET and read one reply.
type client struct {
	conn net.Conn
	rd   *bufio.Reader
}

func dialClient(addr string, timeout time.Duration) (*client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	return &client{conn: conn, rd: bufio.NewReader(conn)}, nil
}

func (c *client) close() {
	c.conn.Close()
}

// do sends one command and returns the reply as flat strings. Array replies
// return their elements; simple and bulk strings return one element. RESP
// errors come back as Go errors, MOVED redirects as *movedError.
func (c *client) do(args ...string) ([]string, error) {
	var req strings.Builder
	fmt.Fprintf(&req, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(&req, "$%d\r\n%s\r\n", len(arg), arg)
	}
	if _, err := c.conn.Write([]byte(req.String())); err != nil {
		return nil, err
	}
	return c.readReply()
}

func (c *client) readReply() ([]string, error) {
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, fmt.Errorf("empty reply line")
	}

	switch line[0] {
	case '+':
		return []string{line[1:]}, nil
	case ':':
		return []string{line[1:]}, nil
	case '-':
		msg := line[1:]
		if fields := strings.Fields(msg); len(fields) == 3 && fields[0] == "MOVED" {
			return nil, &movedError{addr: fields[2]}
		}
		return nil, fmt.Errorf("remote error: %s", msg)
	case '$':
		s, err := c.readBulk(line[1:])
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	case '*':
		n, err := strconv.Atoi(line[1:])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad array header %q", line)
		}
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			elem, err := c.readReply()
			if err != nil {
				return nil, err
			}
			out = append(out, elem...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected reply %q", line)
	}
}

func (c *client) readBulk(lenStr string) (string, error) {
	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 {
		return "", fmt.Errorf("bad bulk length %q", lenStr)
	}
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(c.rd, buf); err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func (c *client) readLine() (string, error) {
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// fetchGroups pulls the full shard group store from a cluster reachable at
// addr, following one leader redirect.
func fetchGroups(addr string, timeout time.Duration) ([]*sharding.ShardGroup, error) {
	reply, err := fetchOnce(addr, timeout)
	if err != nil {
		var moved *movedError
		if errors.As(err, &moved) {
			reply, err = fetchOnce(moved.addr, timeout)
		}
		if err != nil {
			return nil, err
		}
	}

	args := make([][]byte, len(reply))
	for i, s := range reply {
		args[i] = []byte(s)
	}
	return sharding.ParseGroups(args)
}

func fetchOnce(addr string, timeout time.Duration) ([]string, error) {
	c, err := dialClient(addr, timeout)
	if err != nil {
		return nil, err
	}
	defer c.close()
	return c.do("SHARDGROUP", "GET")
}
