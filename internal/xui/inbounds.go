package xui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"fastraygram/internal/apperr"
	"fastraygram/pkg/logging"
)

func (c *Client) Inbounds(ctx context.Context) ([]Inbound, error) {
	obj, err := c.doRequest(ctx, http.MethodGet, "/panel/api/inbounds/list", nil)
	if err != nil {
		return nil, err
	}
	var inbounds []Inbound
	if err := json.Unmarshal(obj, &inbounds); err != nil {
		return nil, apperr.Panel(string(obj), err, "failed to decode inbounds")
	}
	return inbounds, nil
}

func (c *Client) Inbound(ctx context.Context, id int) (*Inbound, error) {
	obj, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", id), nil)
	if err != nil {
		return nil, err
	}
	var inbound Inbound
	if err := json.Unmarshal(obj, &inbound); err != nil {
		return nil, apperr.Panel(string(obj), err, "failed to decode inbound %d", id)
	}
	return &inbound, nil
}

func (c *Client) InboundByRemark(ctx context.Context, remark string) (*Inbound, error) {
	inbounds, err := c.Inbounds(ctx)
	if err != nil {
		return nil, err
	}
	for i := range inbounds {
		if inbounds[i].Remark == remark {
			return &inbounds[i], nil
		}
	}
	return nil, apperr.NotFound("inbound with remark %q", remark)
}

// listedInbound finds an inbound in the list response, which carries
// accurate client stats.
func (c *Client) listedInbound(ctx context.Context, inboundID int) (*Inbound, error) {
	inbounds, err := c.Inbounds(ctx)
	if err != nil {
		return nil, err
	}
	for i := range inbounds {
		if inbounds[i].ID == inboundID {
			return &inbounds[i], nil
		}
	}
	return nil, apperr.NotFound("inbound %d", inboundID)
}

// ClientByID looks a client up by its id (vless) or password (trojan).
func (c *Client) ClientByID(ctx context.Context, inboundID int, key string) (*InboundClient, error) {
	inbound, err := c.listedInbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	if client, ok := inbound.clientByKey(key); ok {
		return client, nil
	}
	return nil, apperr.NotFound("client %s in inbound %d", key, inboundID)
}

func (c *Client) ClientByEmail(ctx context.Context, inboundID int, email string) (*InboundClient, error) {
	inbound, err := c.listedInbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	if client, ok := inbound.clientByEmail(email); ok {
		return client, nil
	}
	return nil, apperr.NotFound("client %s in inbound %d", email, inboundID)
}

// ClientByEmailOptional is ClientByEmail that answers nil for a missing
// client. A missing inbound is still an error.
func (c *Client) ClientByEmailOptional(ctx context.Context, inboundID int, email string) (*InboundClient, error) {
	inbound, err := c.listedInbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	client, _ := inbound.clientByEmail(email)
	return client, nil
}

// ClientUsage returns the bytes consumed by the client with email.
func (c *Client) ClientUsage(ctx context.Context, inboundID int, email string) (int64, error) {
	inbound, err := c.listedInbound(ctx, inboundID)
	if err != nil {
		return 0, err
	}
	if s, ok := inbound.stats(email); ok {
		return s.Used(), nil
	}
	return 0, apperr.NotFound("client stats %s in inbound %d", email, inboundID)
}

func (c *Client) AddClient(ctx context.Context, inboundID int, client InboundClient) error {
	settings, err := clientsPayload(client)
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}
	logging.Debugf("Adding client %s to inbound %d", client.Email, inboundID)
	_, err = c.doRequest(ctx, http.MethodPost, "/panel/api/inbounds/addClient", clientRequest{
		ID:       inboundID,
		Settings: settings,
	})
	return err
}

// UpdateClient resubmits the whole client with upd applied; the panel has no
// partial update.
func (c *Client) UpdateClient(ctx context.Context, inboundID int, email string, upd ClientUpdate) error {
	client, err := c.ClientByEmail(ctx, inboundID, email)
	if err != nil {
		return err
	}
	upd.apply(client)

	settings, err := clientsPayload(*client)
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}
	logging.Debugf("Updating client %s in inbound %d", email, inboundID)
	_, err = c.doRequest(ctx, http.MethodPost, "/panel/api/inbounds/updateClient/"+url.PathEscape(client.Key()), clientRequest{
		ID:       inboundID,
		Settings: settings,
	})
	return err
}

func (c *Client) DeleteClient(ctx context.Context, inboundID int, email string) error {
	client, err := c.ClientByEmail(ctx, inboundID, email)
	if err != nil {
		return err
	}
	logging.Debugf("Deleting client %s from inbound %d", email, inboundID)
	_, err = c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", inboundID, url.PathEscape(client.Key())), nil)
	return err
}

func (c *Client) ResetClientTraffic(ctx context.Context, inboundID int, email string) error {
	_, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/panel/api/inbounds/%d/resetClientTraffic/%s", inboundID, url.PathEscape(email)), nil)
	return err
}

func (c *Client) AddClientByRemark(ctx context.Context, remark string, client InboundClient) error {
	inbound, err := c.InboundByRemark(ctx, remark)
	if err != nil {
		return err
	}
	return c.AddClient(ctx, inbound.ID, client)
}

func (c *Client) UpdateClientByRemark(ctx context.Context, remark, email string, upd ClientUpdate) error {
	inbound, err := c.InboundByRemark(ctx, remark)
	if err != nil {
		return err
	}
	return c.UpdateClient(ctx, inbound.ID, email, upd)
}

func (c *Client) DeleteClientByRemark(ctx context.Context, remark, email string) error {
	inbound, err := c.InboundByRemark(ctx, remark)
	if err != nil {
		return err
	}
	return c.DeleteClient(ctx, inbound.ID, email)
}

func (c *Client) ResetClientTrafficByRemark(ctx context.Context, remark, email string) error {
	inbound, err := c.InboundByRemark(ctx, remark)
	if err != nil {
		return err
	}
	return c.ResetClientTraffic(ctx, inbound.ID, email)
}
